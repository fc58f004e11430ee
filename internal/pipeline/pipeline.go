// Package pipeline polls a station source and runs one rebalancing pass per
// tick, publishing each result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/internal/metrics"
	"github.com/1F47E/geo-rebalance/internal/publish"
	"github.com/1F47E/geo-rebalance/pkg/feed"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// AlertSource fetches service alerts attached to each update.
type AlertSource interface {
	Fetch(ctx context.Context) ([]feed.Alert, error)
}

// Options configures the passes run by a Pipeline.
type Options struct {
	Interval       time.Duration
	K              int
	Min            int
	Max            int
	OccupancyField string
	Strategy       proximity.Strategy
	DonorFloor     rebalance.DonorFloor
	IndexCacheSize int
}

const (
	defaultInterval       = 60 * time.Second
	defaultIndexCacheSize = 8
)

// Pipeline runs passes one at a time.
type Pipeline struct {
	source    feed.Source
	publisher publish.Publisher
	alerts    AlertSource
	sink      metrics.Sink
	log       logger.Logger
	opts      Options

	indexes gcache.Cache
	last    atomic.Pointer[publish.Update]
	now     func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithAlerts attaches service alerts to every update
func WithAlerts(a AlertSource) Option {
	return func(p *Pipeline) { p.alerts = a }
}

// WithSink records every pass in s
func WithSink(s metrics.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithLogger overrides the pipeline logger
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a pipeline reading from source and publishing to pub.
func New(source feed.Source, pub publish.Publisher, opts Options, options ...Option) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.IndexCacheSize <= 0 {
		opts.IndexCacheSize = defaultIndexCacheSize
	}
	p := &Pipeline{
		source:    source,
		publisher: pub,
		sink:      metrics.NopSink{},
		log:       logger.New("pipeline"),
		opts:      opts,
		indexes:   gcache.New(opts.IndexCacheSize).LRU().Build(),
		now:       time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run polls immediately and then every interval until ctx is cancelled.
// Failed passes are logged and skipped. Ticks that fire while a pass is
// still running are dropped.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Infof("pipeline started, interval %s", p.opts.Interval)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Errorf("pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			p.log.Infof("pipeline stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce fetches one snapshot, plans it and publishes the result. On
// failure the previous update stays available through Last.
func (p *Pipeline) RunOnce(ctx context.Context) (*publish.Update, error) {
	start := p.now()
	ev := metrics.PassEvent{Time: start}

	update, res, err := p.plan(ctx)
	if err != nil {
		ev.Error = err.Error()
		ev.Duration = p.now().Sub(start)
		p.record(ev)
		return nil, err
	}

	plan := res.Plan
	ev.PassID = plan.ID
	ev.Stations = len(res.Snapshot.Rows)
	ev.Understocked = len(plan.Understocked)
	ev.Overstocked = len(plan.Overstocked)
	ev.Unsatisfied = len(plan.Unsatisfied)
	ev.Transfers = len(plan.Transfers)
	ev.BikesMoved = plan.Moved
	ev.StdDevBefore = plan.Before.StdDev
	ev.StdDevAfter = plan.After.StdDev

	p.last.Store(update)
	p.log.Debugw("pass planned", map[string]any{
		"pass_id":      plan.ID,
		"transfers":    len(plan.Transfers),
		"moved":        plan.Moved,
		"unsatisfied":  len(plan.Unsatisfied),
		"stddev_after": plan.After.StdDev,
	})

	if err := p.publisher.Publish(ctx, *update); err != nil {
		ev.Error = fmt.Sprintf("publish: %v", err)
		ev.Duration = p.now().Sub(start)
		p.record(ev)
		return update, fmt.Errorf("publish pass %s: %w", plan.ID, err)
	}

	ev.Success = true
	ev.Duration = p.now().Sub(start)
	p.record(ev)
	p.log.Infof("pass %s: %d transfers, %d bikes moved, %d unsatisfied",
		plan.ID, len(plan.Transfers), plan.Moved, len(plan.Unsatisfied))
	return update, nil
}

func (p *Pipeline) plan(ctx context.Context) (*publish.Update, *snapshot.Result, error) {
	snap, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	res, err := snapshot.Plan(snap, snapshot.Options{
		K:              p.opts.K,
		Min:            p.opts.Min,
		Max:            p.opts.Max,
		OccupancyField: p.opts.OccupancyField,
		Strategy:       p.opts.Strategy,
		DonorFloor:     p.opts.DonorFloor,
		IndexFor:       p.indexFor,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("plan: %w", err)
	}

	update := &publish.Update{
		PassID:         res.Plan.ID,
		Time:           p.now(),
		OccupancyField: res.OccupancyField,
		Fingerprint:    res.Fingerprint,
		Snapshot:       res.Snapshot,
		Transfers:      res.Plan.Transfers,
		Unsatisfied:    res.Plan.Unsatisfied,
	}
	if p.alerts != nil {
		alerts, err := p.alerts.Fetch(ctx)
		if err != nil {
			p.log.Warnf("alerts unavailable: %v", err)
		} else {
			update.Alerts = alerts
		}
	}
	return update, res, nil
}

type indexKey struct {
	fingerprint uint64
	strategy    proximity.Strategy
}

// indexFor reuses the proximity index of an earlier snapshot with the same
// station geometry.
func (p *Pipeline) indexFor(store *station.Store) *proximity.Index {
	strategy := p.opts.Strategy
	if strategy == "" {
		strategy = proximity.StrategyScan
	}
	key := indexKey{fingerprint: snapshot.Fingerprint(store), strategy: strategy}
	if cached, err := p.indexes.Get(key); err == nil {
		if idx, ok := cached.(*proximity.Index); ok {
			return idx
		}
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		p.log.Warnf("index cache: %v", err)
	}
	idx := proximity.NewIndex(store, proximity.WithStrategy(strategy))
	_ = p.indexes.Set(key, idx)
	return idx
}

func (p *Pipeline) record(ev metrics.PassEvent) {
	if err := p.sink.RecordPass(ev); err != nil {
		p.log.Warnf("metrics sink: %v", err)
	}
}

// Last returns the most recent successfully planned update.
func (p *Pipeline) Last() (publish.Update, bool) {
	u := p.last.Load()
	if u == nil {
		return publish.Update{}, false
	}
	return *u, true
}
