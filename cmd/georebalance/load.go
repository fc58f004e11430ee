package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/postgis"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Copy a snapshot into the PostGIS stations table",
	Long: `Reads a snapshot from --csv or --gbfs and upserts every station into the
PostGIS table configured under source.postgis, creating the table if needed.
A serve process with source.kind=postgis then polls that table.`,
	Example: `  georebalance load -c config.yaml --csv stations.csv`,
	RunE:    runLoad,
}

var (
	loadSrc   snapshotFlags
	loadField string
)

func init() {
	registerSourceFlags(loadCmd, &loadSrc)
	loadCmd.Flags().StringVar(&loadField, "occupancy-field", "", "Occupancy column (default: first known alias)")
}

func runLoad(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg == nil || cfg.Source.PostGIS.Host == "" {
		return fmt.Errorf("load needs --config with source.postgis settings")
	}
	if loadSrc.csv == "" && loadSrc.gbfs == "" {
		return fmt.Errorf("load needs --csv or --gbfs")
	}
	ctx := cmd.Context()

	snap, err := fetchSnapshot(ctx, cfg, loadSrc)
	if err != nil {
		return err
	}
	stations, err := stationsOf(snap, loadField)
	if err != nil {
		return err
	}

	db, err := postgis.Open(ctx, cfg.Source.PostGIS)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	start := time.Now()
	if err := db.BulkInsert(ctx, stations); err != nil {
		return err
	}
	count, err := db.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d stations in %v (%d in table)\n", len(stations), time.Since(start).Round(time.Millisecond), count)
	return nil
}

// stationsOf parses snap into stations in row order.
func stationsOf(snap models.Snapshot, field string) ([]models.Station, error) {
	field, err := snapshot.ResolveOccupancyField(snap, field)
	if err != nil {
		return nil, err
	}
	store := station.NewStore()
	if err := store.Load(snap, field); err != nil {
		return nil, err
	}
	out := make([]models.Station, 0, store.Len())
	for st := range store.All() {
		out = append(out, st)
	}
	return out, nil
}
