package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

var nearestCmd = &cobra.Command{
	Use:     "nearest",
	Short:   "List the nearest stations of one station",
	Example: `  georebalance nearest --csv stations.csv --id 72 -k 5`,
	RunE:    runNearest,
}

var (
	nearestSrc      snapshotFlags
	nearestID       string
	nearestK        int
	nearestStrategy string
	nearestField    string
)

func init() {
	registerSourceFlags(nearestCmd, &nearestSrc)
	nearestCmd.Flags().StringVar(&nearestID, "id", "", "Station id")
	nearestCmd.Flags().IntVarP(&nearestK, "k", "k", 3, "Number of neighbours")
	nearestCmd.Flags().StringVar(&nearestStrategy, "strategy", "scan", "Proximity strategy: scan or rtree")
	nearestCmd.Flags().StringVar(&nearestField, "occupancy-field", "", "Occupancy column (default: first known alias)")
	_ = nearestCmd.MarkFlagRequired("id")
}

// neighborReport is one row of nearest output.
type neighborReport struct {
	Rank           int     `json:"rank" yaml:"rank"`
	StationID      string  `json:"station_id" yaml:"station_id"`
	Name           string  `json:"name" yaml:"name"`
	BikesAvailable int     `json:"bikes_available" yaml:"bikes_available"`
	Distance       float64 `json:"distance" yaml:"distance"`
	Kilometers     float64 `json:"km" yaml:"km"`
}

func runNearest(cmd *cobra.Command, _ []string) error {
	r, err := newRenderer(os.Stdout, outputFmt)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	strategy, err := proximity.ParseStrategy(nearestStrategy)
	if err != nil {
		return err
	}
	snap, err := fetchSnapshot(cmd.Context(), cfg, nearestSrc)
	if err != nil {
		return err
	}

	field := nearestField
	if field == "" && cfg != nil {
		field = cfg.Rebalance.OccupancyField
	}
	field, err = snapshot.ResolveOccupancyField(snap, field)
	if err != nil {
		return err
	}
	store := station.NewStore()
	if err := store.Load(snap, field); err != nil {
		return err
	}

	origin, err := store.Lookup(nearestID)
	if err != nil {
		return err
	}
	neighbors, err := proximity.NewIndex(store, proximity.WithStrategy(strategy)).Nearest(nearestID, nearestK)
	if err != nil {
		return err
	}
	return r.neighbors(origin, neighborReports(store, origin, neighbors))
}

func neighborReports(store *station.Store, origin models.Station, neighbors []models.Neighbor) []neighborReport {
	out := make([]neighborReport, 0, len(neighbors))
	for i, n := range neighbors {
		st, ok := store.Get(n.StationID)
		if !ok {
			continue
		}
		out = append(out, neighborReport{
			Rank:           i + 1,
			StationID:      st.ID,
			Name:           st.Name,
			BikesAvailable: st.BikesAvailable,
			Distance:       n.Distance,
			Kilometers:     proximity.Haversine(origin.Location, st.Location),
		})
	}
	return out
}

func (n neighborReport) cells() []string {
	return []string{
		fmt.Sprint(n.Rank),
		n.StationID,
		n.Name,
		fmt.Sprint(n.BikesAvailable),
		fmt.Sprintf("%.5f", n.Distance),
		fmt.Sprintf("%.3f", n.Kilometers),
	}
}
