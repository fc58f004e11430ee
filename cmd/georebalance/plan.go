package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/1F47E/geo-rebalance/internal/config"
	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Run one rebalancing pass over a snapshot and print the result",
	Long: `Reads a single snapshot from a CSV file, a GBFS feed or the configured
source, runs one pass and prints the transfers. Nothing is published.`,
	Example: `  georebalance plan --csv stations.csv --min 25 --max 40
  georebalance plan --gbfs https://gbfs.citibikenyc.com/gbfs/en -o json`,
	RunE: runPlan,
}

var (
	planSrc  snapshotFlags
	planBand rebalanceFlags
	planRows bool
)

// rebalanceFlags mirror config.RebalanceConfig. Only flags the user set
// override the config file.
type rebalanceFlags struct {
	k              int
	min            int
	max            int
	strategy       string
	donorFloor     string
	occupancyField string
}

func (f *rebalanceFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.k, "k", "k", 3, "Neighbours considered per understocked station")
	cmd.Flags().IntVar(&f.min, "min", 25, "Minimum acceptable occupancy")
	cmd.Flags().IntVar(&f.max, "max", 45, "Maximum acceptable occupancy")
	cmd.Flags().StringVar(&f.strategy, "strategy", "scan", "Proximity strategy: scan or rtree")
	cmd.Flags().StringVar(&f.donorFloor, "donor-floor", "max", "How far donors may be drained: max or min")
	cmd.Flags().StringVar(&f.occupancyField, "occupancy-field", "", "Occupancy column (default: first known alias)")
}

func (f *rebalanceFlags) merge(cmd *cobra.Command, cfg *config.Config) config.RebalanceConfig {
	var rc config.RebalanceConfig
	if cfg != nil {
		rc = cfg.Rebalance
	}
	rc.SetDefaults()

	flags := cmd.Flags()
	if flags.Changed("k") {
		rc.K = f.k
	}
	if flags.Changed("min") {
		rc.MinThreshold = f.min
	}
	if flags.Changed("max") {
		rc.MaxThreshold = f.max
	}
	if flags.Changed("strategy") {
		rc.Strategy = f.strategy
	}
	if flags.Changed("donor-floor") {
		rc.DonorFloor = f.donorFloor
	}
	if flags.Changed("occupancy-field") {
		rc.OccupancyField = f.occupancyField
	}
	return rc
}

func registerSourceFlags(cmd *cobra.Command, f *snapshotFlags) {
	cmd.Flags().StringVar(&f.csv, "csv", "", "Read the snapshot from a CSV file")
	cmd.Flags().StringVar(&f.gbfs, "gbfs", "", "Read the snapshot from a GBFS base URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Fetch timeout (default: poll.timeout or 10s)")
}

func init() {
	registerSourceFlags(planCmd, &planSrc)
	planBand.register(planCmd)
	planCmd.Flags().BoolVar(&planRows, "rows", false, "Also print the updated snapshot")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	r, err := newRenderer(os.Stdout, outputFmt)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := fetchSnapshot(cmd.Context(), cfg, planSrc)
	if err != nil {
		return err
	}

	rc := planBand.merge(cmd, cfg)
	strategy, err := proximity.ParseStrategy(rc.Strategy)
	if err != nil {
		return err
	}
	floor, err := rebalance.ParseDonorFloor(rc.DonorFloor)
	if err != nil {
		return err
	}

	res, err := snapshot.Plan(snap, snapshot.Options{
		K:              rc.K,
		Min:            rc.MinThreshold,
		Max:            rc.MaxThreshold,
		OccupancyField: rc.OccupancyField,
		Strategy:       strategy,
		DonorFloor:     floor,
	})
	if err != nil {
		return err
	}
	return r.plan(res, rc.Thresholds(), planRows)
}

// fetchSnapshot reads one snapshot from the flag or config selected source.
func fetchSnapshot(ctx context.Context, cfg *config.Config, f snapshotFlags) (models.Snapshot, error) {
	src, err := f.resolveSource(cfg)
	if err != nil {
		return models.Snapshot{}, err
	}
	timeout := f.timeout
	if timeout == 0 && cfg != nil {
		timeout = cfg.Poll.Timeout
	}
	source, closeSource, err := openSource(ctx, src, timeout)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer closeSource()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return source.Fetch(ctx)
}
