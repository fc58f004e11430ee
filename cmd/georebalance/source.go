package main

import (
	"context"
	"fmt"
	"time"

	"github.com/1F47E/geo-rebalance/internal/config"
	"github.com/1F47E/geo-rebalance/pkg/feed"
	"github.com/1F47E/geo-rebalance/pkg/postgis"
)

// snapshotFlags selects a one-off snapshot source on the command line.
// Flags win over the config file.
type snapshotFlags struct {
	csv     string
	gbfs    string
	timeout time.Duration
}

// openSource returns the snapshot source and a close func.
func openSource(ctx context.Context, cfg config.SourceConfig, timeout time.Duration) (feed.Source, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case config.SourceGBFS:
		return feed.NewGBFSSource(cfg.GBFS.URL, timeout), noop, nil
	case config.SourceCSV:
		return feed.NewCSVSource(cfg.CSV.Path), noop, nil
	case config.SourcePostGIS:
		src, err := postgis.Open(ctx, cfg.PostGIS)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
}

// resolveSource merges command line flags into the configured source.
func (f snapshotFlags) resolveSource(cfg *config.Config) (config.SourceConfig, error) {
	src := config.SourceConfig{}
	if cfg != nil {
		src = cfg.Source
	}
	switch {
	case f.csv != "" && f.gbfs != "":
		return src, fmt.Errorf("--csv and --gbfs are mutually exclusive")
	case f.csv != "":
		src = config.SourceConfig{Kind: config.SourceCSV, CSV: config.CSVConfig{Path: f.csv}}
	case f.gbfs != "":
		src = config.SourceConfig{Kind: config.SourceGBFS, GBFS: config.GBFSConfig{URL: f.gbfs}}
	}
	if src.Kind == "" {
		return src, fmt.Errorf("no snapshot source: pass --csv, --gbfs or --config")
	}
	return src, src.Validate()
}

// loadConfig reads --config when given. Without it only command line flags
// apply and nil is returned.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, nil
	}
	return config.Load(configFile)
}
