// Package snapshot runs a rebalancing pass over a tabular station snapshot
// and returns an updated copy of the table.
package snapshot

import (
	"fmt"
	"strconv"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// Options configures one pass over a snapshot.
type Options struct {
	K              int
	Min            int
	Max            int
	OccupancyField string
	Strategy       proximity.Strategy
	DonorFloor     rebalance.DonorFloor

	// IndexFor, when set, supplies the proximity index for the loaded store.
	// Callers use it to reuse an index across snapshots with the same geometry.
	IndexFor func(store *station.Store) *proximity.Index
}

// Result is the outcome of Plan
type Result struct {
	Snapshot       models.Snapshot
	Plan           *rebalance.Plan
	OccupancyField string
	Fingerprint    uint64
}

// Plan loads snap, runs the planner and returns a copy of snap with the
// occupancy column updated for every station that took part in a transfer.
// The input snapshot is never modified.
func Plan(snap models.Snapshot, opts Options) (*Result, error) {
	thresholds := rebalance.Thresholds{Min: opts.Min, Max: opts.Max}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: %d", proximity.ErrInvalidK, opts.K)
	}

	field, err := ResolveOccupancyField(snap, opts.OccupancyField)
	if err != nil {
		return nil, err
	}
	store := station.NewStore()
	if err := store.Load(snap, field); err != nil {
		return nil, err
	}

	var index *proximity.Index
	if opts.IndexFor != nil {
		index = opts.IndexFor(store)
	}
	if index == nil {
		index = proximity.NewIndex(store, proximity.WithStrategy(strategyOrDefault(opts.Strategy)))
	}

	plan, err := rebalance.NewPlanner(store, index, rebalance.Options{
		K:          opts.K,
		Thresholds: thresholds,
		DonorFloor: opts.DonorFloor,
	}).Run()
	if err != nil {
		return nil, err
	}

	return &Result{
		Snapshot:       apply(snap, store, plan.Touched(), field),
		Plan:           plan,
		OccupancyField: field,
		Fingerprint:    Fingerprint(store),
	}, nil
}

// NeighborsOf returns the k nearest stations of id within snap.
func NeighborsOf(snap models.Snapshot, id string, k int, occupancyField string) ([]models.Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", proximity.ErrInvalidK, k)
	}
	field, err := ResolveOccupancyField(snap, occupancyField)
	if err != nil {
		return nil, err
	}
	store := station.NewStore()
	if err := store.Load(snap, field); err != nil {
		return nil, err
	}
	return proximity.NewIndex(store).Nearest(id, k)
}

// ResolveOccupancyField picks the occupancy column of snap. An explicit
// override must be present; otherwise the first known alias wins.
func ResolveOccupancyField(snap models.Snapshot, override string) (string, error) {
	if override != "" {
		if !hasField(snap, override) {
			return "", fmt.Errorf("%w: occupancy field %q not present", station.ErrMalformedSnapshot, override)
		}
		return override, nil
	}
	for _, alias := range models.OccupancyAliases {
		if hasField(snap, alias) {
			return alias, nil
		}
	}
	return "", fmt.Errorf("%w: none of the occupancy fields %v present", station.ErrMalformedSnapshot, models.OccupancyAliases)
}

// hasField checks declared columns, falling back to the first row for
// snapshots built without a column list.
func hasField(snap models.Snapshot, name string) bool {
	if len(snap.Columns) > 0 {
		return snap.HasColumn(name)
	}
	if len(snap.Rows) == 0 {
		return false
	}
	_, ok := snap.Rows[0][name]
	return ok
}

func apply(snap models.Snapshot, store *station.Store, touched map[string]bool, field string) models.Snapshot {
	out := snap.Clone()
	if len(touched) == 0 {
		return out
	}
	for _, row := range out.Rows {
		key, err := station.IDOf(row)
		if err != nil || !touched[key] {
			continue
		}
		bikes, err := store.Bikes(key)
		if err != nil {
			continue
		}
		// Keep the cell type the source used
		if _, isString := row[field].(string); isString {
			row[field] = strconv.Itoa(bikes)
		} else {
			row[field] = bikes
		}
	}
	return out
}

func strategyOrDefault(s proximity.Strategy) proximity.Strategy {
	if s == "" {
		return proximity.StrategyScan
	}
	return s
}
