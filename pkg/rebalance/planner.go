// Package rebalance classifies stations against an occupancy band and moves
// bikes from overstocked stations to nearby understocked ones.
//
// The policy is greedy and local: each understocked station, in store order,
// drains its nearest overstocked neighbours first. It is not a min-cost flow
// and results are expected to match that greedy walk exactly.
package rebalance

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// Options configures a planning pass
type Options struct {
	K          int
	Thresholds Thresholds
	DonorFloor DonorFloor
}

// Planner runs one pass over a store it exclusively owns.
type Planner struct {
	store *station.Store
	index *proximity.Index
	opts  Options
}

// NewPlanner creates a planner. A nil index is built from the store.
func NewPlanner(store *station.Store, index *proximity.Index, opts Options) *Planner {
	if index == nil {
		index = proximity.NewIndex(store)
	}
	if opts.DonorFloor == "" {
		opts.DonorFloor = FloorMax
	}
	return &Planner{store: store, index: index, opts: opts}
}

// Run classifies, prioritises and transfers. Configuration errors are
// returned before the store is touched.
func (p *Planner) Run() (*Plan, error) {
	if err := p.opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if p.opts.K <= 0 {
		return nil, fmt.Errorf("%w: %d", proximity.ErrInvalidK, p.opts.K)
	}

	plan := &Plan{
		ID:     uuid.NewString(),
		Before: measure(p.store),
	}

	overstocked := p.classify(plan)

	// Neighbour lists for every understocked station are resolved before
	// anything moves, so an unknown id cannot leave a half-applied plan.
	if err := p.index.Build(p.opts.K); err != nil {
		return nil, err
	}
	neighbors := make(map[string][]models.Neighbor, len(plan.Understocked))
	for _, id := range plan.Understocked {
		list, err := p.index.Nearest(id, p.opts.K)
		if err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}
		neighbors[id] = list
	}

	for _, id := range plan.Understocked {
		if err := p.fill(plan, id, neighbors[id], overstocked); err != nil {
			return nil, err
		}
	}

	for _, id := range plan.Understocked {
		if bikes, _ := p.store.Bikes(id); bikes < p.opts.Thresholds.Min {
			plan.Unsatisfied = append(plan.Unsatisfied, id)
		}
	}
	plan.After = measure(p.store)
	return plan, nil
}

// classify partitions stations in store order and returns the overstocked set.
func (p *Planner) classify(plan *Plan) map[string]bool {
	overstocked := make(map[string]bool)
	for st := range p.store.All() {
		switch {
		case st.BikesAvailable < p.opts.Thresholds.Min:
			plan.Understocked = append(plan.Understocked, st.ID)
		case st.BikesAvailable > p.opts.Thresholds.Max:
			plan.Overstocked = append(plan.Overstocked, st.ID)
			overstocked[st.ID] = true
		default:
			plan.Normal = append(plan.Normal, st.ID)
		}
	}
	return overstocked
}

// fill walks the neighbour list of one understocked station, nearest first,
// until it reaches Min or the list runs out. Occupancy is re-read from the
// store on every step so earlier transfers are seen.
func (p *Planner) fill(plan *Plan, dst string, neighbors []models.Neighbor, overstocked map[string]bool) error {
	minT, maxT := p.opts.Thresholds.Min, p.opts.Thresholds.Max

	current, err := p.store.Bikes(dst)
	if err != nil {
		return err
	}
	for _, n := range neighbors {
		if current >= minT {
			break
		}
		if !overstocked[n.StationID] {
			continue
		}
		srcBikes, err := p.store.Bikes(n.StationID)
		if err != nil {
			return err
		}
		if srcBikes <= maxT {
			delete(overstocked, n.StationID)
			continue
		}

		floor := maxT
		if p.opts.DonorFloor == FloorMin {
			floor = minT
		}
		needed := minT - current
		available := srcBikes - floor
		amount := min(needed, available)
		if amount <= 0 {
			continue
		}

		moved, err := p.store.Move(n.StationID, dst, amount)
		if err != nil {
			return err
		}
		current += moved
		plan.Moved += moved
		plan.Transfers = append(plan.Transfers, models.Transfer{From: n.StationID, To: dst, Amount: moved})

		if srcBikes-moved <= maxT {
			delete(overstocked, n.StationID)
		}
	}
	return nil
}
