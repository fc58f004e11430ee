package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/1F47E/geo-rebalance/internal/config"
	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

func midtown() models.Snapshot {
	return models.Snapshot{
		Columns: []string{"station_id", "capacity", "lat", "lon", "name"},
		Rows: []models.Row{
			{"station_id": "1", "capacity": 15, "lat": 40.7486, "lon": -73.9864, "name": "Station1"},
			{"station_id": "2", "capacity": 25, "lat": 40.7496, "lon": -73.9874, "name": "Station2"},
			{"station_id": "3", "capacity": 35, "lat": 40.7506, "lon": -73.9884, "name": "Station3"},
			{"station_id": "4", "capacity": 45, "lat": 40.7516, "lon": -73.9894, "name": "Station4"},
		},
	}
}

func planMidtown(t *testing.T) *snapshot.Result {
	t.Helper()
	res, err := snapshot.Plan(midtown(), snapshot.Options{K: 3, Min: 25, Max: 40, DonorFloor: rebalance.FloorMin})
	require.NoError(t, err)
	return res
}

func TestNewRendererRejectsUnknownFormat(t *testing.T) {
	_, err := newRenderer(&bytes.Buffer{}, "xml")
	assert.Error(t, err)
}

func TestRenderPlanTable(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, formatTable)
	require.NoError(t, err)

	res := planMidtown(t)
	require.NoError(t, r.plan(res, rebalance.Thresholds{Min: 25, Max: 40}, true))

	out := buf.String()
	assert.Contains(t, out, "Rebalancing pass "+res.Plan.ID)
	assert.Contains(t, out, "25..40 on capacity")
	assert.Contains(t, out, "1 under, 1 over, 2 within")
	assert.Contains(t, out, "10 bikes in 1 transfers")
	assert.Contains(t, out, "FROM")
	assert.Contains(t, out, "All understocked stations reached the band")
	assert.Contains(t, out, "Station4")
	assert.NotContains(t, out, "\x1b[", "no colours outside a terminal")
}

func TestRenderPlanUnsatisfied(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, formatTable)
	require.NoError(t, err)

	res, err := snapshot.Plan(midtown(), snapshot.Options{K: 3, Min: 25, Max: 40})
	require.NoError(t, err)
	require.NoError(t, r.plan(res, rebalance.Thresholds{Min: 25, Max: 40}, false))
	assert.Contains(t, buf.String(), "Still understocked: 1")
	assert.NotContains(t, buf.String(), "Station4")
}

func TestRenderPlanJSON(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, formatJSON)
	require.NoError(t, err)

	res := planMidtown(t)
	require.NoError(t, r.plan(res, rebalance.Thresholds{Min: 25, Max: 40}, false))

	var got struct {
		OccupancyField string           `json:"occupancy_field"`
		Fingerprint    string           `json:"fingerprint"`
		Plan           rebalance.Plan   `json:"plan"`
		Snapshot       *models.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "capacity", got.OccupancyField)
	assert.Len(t, got.Fingerprint, 16)
	assert.Equal(t, []models.Transfer{{From: "4", To: "1", Amount: 10}}, got.Plan.Transfers)
	assert.Nil(t, got.Snapshot)
}

func TestRenderPlanYAMLWithRows(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, formatYAML)
	require.NoError(t, err)

	require.NoError(t, r.plan(planMidtown(t), rebalance.Thresholds{Min: 25, Max: 40}, true))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "capacity", got["occupancy_field"])
	snap, ok := got["snapshot"].(map[string]any)
	require.True(t, ok)
	rows := snap["rows"].([]any)
	require.Len(t, rows, 4)
	assert.Equal(t, 25, rows[0].(map[string]any)["capacity"])
}

func TestNeighborReports(t *testing.T) {
	store := station.NewStore()
	require.NoError(t, store.Load(midtown(), "capacity"))
	origin, err := store.Lookup("1")
	require.NoError(t, err)

	list, err := proximity.NewIndex(store).Nearest("1", 2)
	require.NoError(t, err)

	reports := neighborReports(store, origin, list)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Rank)
	assert.Equal(t, "2", reports[0].StationID)
	assert.Equal(t, 25, reports[0].BikesAvailable)
	assert.InDelta(t, 0.002, reports[0].Distance, 1e-9)
	assert.InDelta(t, 0.14, reports[0].Kilometers, 0.01)

	var buf bytes.Buffer
	r, err := newRenderer(&buf, formatTable)
	require.NoError(t, err)
	require.NoError(t, r.neighbors(origin, reports))
	assert.Contains(t, buf.String(), "Nearest to 1")
	assert.Contains(t, buf.String(), "Station3")
}

func TestResolveSource(t *testing.T) {
	src, err := snapshotFlags{csv: "stations.csv"}.resolveSource(nil)
	require.NoError(t, err)
	assert.Equal(t, config.SourceCSV, src.Kind)

	cfg := &config.Config{Source: config.SourceConfig{Kind: config.SourceGBFS, GBFS: config.GBFSConfig{URL: "https://example.com/gbfs"}}}
	src, err = snapshotFlags{}.resolveSource(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.SourceGBFS, src.Kind)

	src, err = snapshotFlags{csv: "override.csv"}.resolveSource(cfg)
	require.NoError(t, err)
	assert.Equal(t, "override.csv", src.CSV.Path)

	_, err = snapshotFlags{}.resolveSource(nil)
	assert.Error(t, err)

	_, err = snapshotFlags{csv: "a.csv", gbfs: "https://example.com"}.resolveSource(nil)
	assert.Error(t, err)
}

func TestRebalanceFlagsMerge(t *testing.T) {
	var f rebalanceFlags
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--min", "10", "--donor-floor", "min"}))

	cfg := &config.Config{Rebalance: config.RebalanceConfig{K: 6, MinThreshold: 20, MaxThreshold: 30, Strategy: "rtree"}}
	rc := f.merge(cmd, cfg)

	assert.Equal(t, 6, rc.K, "config wins over flag defaults")
	assert.Equal(t, 10, rc.MinThreshold)
	assert.Equal(t, 30, rc.MaxThreshold)
	assert.Equal(t, "rtree", rc.Strategy)
	assert.Equal(t, "min", rc.DonorFloor)

	var g rebalanceFlags
	bare := &cobra.Command{Use: "bare"}
	g.register(bare)
	require.NoError(t, bare.Flags().Parse(nil))
	rc = g.merge(bare, nil)
	assert.Equal(t, 3, rc.K)
	assert.Equal(t, rebalance.Thresholds{Min: 25, Max: 45}, rc.Thresholds())
}

func TestFetchSnapshotFromCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"station_id,name,lat,lon,bikes_available\n"+
			"a,Alpha,40.0,-73.0,3\n"+
			"b,Beta,40.1,-73.1,30\n"), 0o644))

	snap, err := fetchSnapshot(t.Context(), nil, snapshotFlags{csv: path})
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2)

	stations, err := stationsOf(snap, "")
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, "Alpha", stations[0].Name)
	assert.Equal(t, 30, stations[1].BikesAvailable)
}

func TestPipelineOptions(t *testing.T) {
	cfg := &config.Config{Rebalance: config.RebalanceConfig{Strategy: "rtree", DonorFloor: "min"}}
	cfg.SetDefaults()

	opts, err := pipelineOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, proximity.StrategyRTree, opts.Strategy)
	assert.Equal(t, rebalance.FloorMin, opts.DonorFloor)
	assert.Equal(t, 3, opts.K)
	assert.Equal(t, cfg.Poll.Interval, opts.Interval)

	cfg.Rebalance.Strategy = "kd"
	_, err = pipelineOptions(cfg)
	assert.Error(t, err)
}
