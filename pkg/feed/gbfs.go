package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// GBFS column names beyond the core station fields.
const (
	FieldNumDocksAvailable = "num_docks_available"
	FieldIsRenting         = "is_renting"
	FieldLastReported      = "last_reported"
)

// GBFSColumns is the column order of snapshots produced by GBFSSource.
var GBFSColumns = []string{
	models.FieldStationID,
	models.FieldName,
	models.FieldLat,
	models.FieldLon,
	models.FieldCapacity,
	models.FieldNumBikesAvailable,
	FieldNumDocksAvailable,
	FieldIsRenting,
	FieldLastReported,
}

type gbfsEnvelope[T any] struct {
	LastUpdated int64 `json:"last_updated"`
	TTL         int   `json:"ttl"`
	Data        struct {
		Stations []T `json:"stations"`
	} `json:"data"`
}

type stationInformation struct {
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Capacity  int     `json:"capacity"`
}

type stationStatus struct {
	StationID         string `json:"station_id"`
	NumBikesAvailable int    `json:"num_bikes_available"`
	NumDocksAvailable int    `json:"num_docks_available"`
	IsRenting         any    `json:"is_renting"`
	LastReported      int64  `json:"last_reported"`
}

// GBFSSource joins a GBFS station_information feed with station_status.
type GBFSSource struct {
	informationURL string
	statusURL      string
	client         *http.Client
}

// NewGBFSSource creates a source for a GBFS system. baseURL is the directory
// holding station_information.json and station_status.json.
func NewGBFSSource(baseURL string, timeout time.Duration) *GBFSSource {
	base := strings.TrimRight(baseURL, "/")
	return &GBFSSource{
		informationURL: base + "/station_information.json",
		statusURL:      base + "/station_status.json",
		client:         newHTTPClient(timeout),
	}
}

// Fetch downloads both feeds and returns one row per station present in
// both, in station_information order.
func (s *GBFSSource) Fetch(ctx context.Context) (models.Snapshot, error) {
	var info gbfsEnvelope[stationInformation]
	if err := s.decode(ctx, s.informationURL, &info); err != nil {
		return models.Snapshot{}, fmt.Errorf("station information: %w", err)
	}
	var status gbfsEnvelope[stationStatus]
	if err := s.decode(ctx, s.statusURL, &status); err != nil {
		return models.Snapshot{}, fmt.Errorf("station status: %w", err)
	}

	byID := make(map[string]stationStatus, len(status.Data.Stations))
	for _, st := range status.Data.Stations {
		byID[st.StationID] = st
	}

	snap := models.Snapshot{
		Columns: append([]string(nil), GBFSColumns...),
		Rows:    make([]models.Row, 0, len(info.Data.Stations)),
	}
	for _, in := range info.Data.Stations {
		st, ok := byID[in.StationID]
		if !ok {
			continue
		}
		snap.Rows = append(snap.Rows, models.Row{
			models.FieldStationID:         in.StationID,
			models.FieldName:              in.Name,
			models.FieldLat:               in.Lat,
			models.FieldLon:               in.Lon,
			models.FieldCapacity:          in.Capacity,
			models.FieldNumBikesAvailable: st.NumBikesAvailable,
			FieldNumDocksAvailable:        st.NumDocksAvailable,
			FieldIsRenting:                truthy(st.IsRenting),
			FieldLastReported:             st.LastReported,
		})
	}
	return snap, nil
}

func (s *GBFSSource) decode(ctx context.Context, url string, v any) error {
	body, err := get(ctx, s.client, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// truthy accepts both GBFS 1.x integer flags and 2.x booleans
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	}
	return false
}
