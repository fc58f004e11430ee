// Package proximity ranks stations by Manhattan distance and caches the k
// nearest neighbours of every station for a rebalancing pass.
package proximity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// ErrInvalidK is returned when a neighbour count is not positive.
var ErrInvalidK = errors.New("k must be positive")

// Strategy selects how candidate neighbours are enumerated.
type Strategy string

const (
	// StrategyScan runs the bounded heap over every station.
	StrategyScan Strategy = "scan"
	// StrategyRTree narrows candidates with an R-tree before the heap pass.
	StrategyRTree Strategy = "rtree"
)

// ParseStrategy maps a config value to a Strategy. Empty means scan.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyScan:
		return StrategyScan, nil
	case StrategyRTree:
		return StrategyRTree, nil
	}
	return "", fmt.Errorf("unknown proximity strategy %q", s)
}

// Option configures an Index
type Option func(*Index)

// WithStrategy sets the candidate enumeration strategy
func WithStrategy(s Strategy) Option {
	return func(x *Index) {
		x.strategy = s
	}
}

type cacheKey struct {
	id string
	k  int
}

// Index answers top-k nearest station queries. It captures station geometry
// when created, so occupancy changes during a pass do not affect it and an
// index can be reused for any later snapshot with identical geometry.
type Index struct {
	ids      []string
	locs     map[string]models.Location
	strategy Strategy

	mu     sync.Mutex
	cache  map[cacheKey][]models.Neighbor
	builtK int
	tree   *rtreego.Rtree
}

// NewIndex creates an index over the stations currently in store
func NewIndex(store *station.Store, opts ...Option) *Index {
	x := &Index{
		ids:      make([]string, 0, store.Len()),
		locs:     make(map[string]models.Location, store.Len()),
		strategy: StrategyScan,
		cache:    make(map[cacheKey][]models.Neighbor),
	}
	for st := range store.All() {
		x.ids = append(x.ids, st.ID)
		x.locs[st.ID] = st.Location
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Strategy returns the configured strategy
func (x *Index) Strategy() Strategy { return x.strategy }

// Size returns the number of indexed stations
func (x *Index) Size() int { return len(x.ids) }

// Build computes and caches the k nearest neighbours of every station.
func (x *Index) Build(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidK, k)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.builtK == k {
		return nil
	}
	for _, id := range x.ids {
		key := cacheKey{id, k}
		if _, ok := x.cache[key]; ok {
			continue
		}
		x.cache[key] = x.compute(id, k)
	}
	x.builtK = k
	return nil
}

// Built reports the k of the last Build, or 0.
func (x *Index) Built() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.builtK
}

// Nearest returns up to k stations closest to id, ascending by distance with
// ties broken by station id. The station itself is never included. Lists
// not produced by Build are computed on first use and cached.
func (x *Index) Nearest(id string, k int) ([]models.Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	if _, ok := x.locs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", station.ErrUnknownStation, id)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	key := cacheKey{id, k}
	if cached, ok := x.cache[key]; ok {
		return append([]models.Neighbor(nil), cached...), nil
	}
	result := x.compute(id, k)
	x.cache[key] = result
	return append([]models.Neighbor(nil), result...), nil
}

func (x *Index) compute(id string, k int) []models.Neighbor {
	if x.strategy == StrategyRTree && k < len(x.ids)-1 {
		return x.nearestRTree(id, k)
	}
	return x.scan(id, k, x.ids)
}

// scan runs the bounded max-heap over candidates, keeping the k best.
func (x *Index) scan(id string, k int, candidates []string) []models.Neighbor {
	origin := x.locs[id]
	h := NewBoundedHeap(k, neighborLess)
	for _, other := range candidates {
		if other == id {
			continue
		}
		h.Offer(models.Neighbor{
			Distance:  Manhattan(origin, x.locs[other]),
			StationID: other,
		})
	}
	return h.Sorted()
}
