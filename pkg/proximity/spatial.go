package proximity

import (
	"github.com/dhconnelly/rtreego"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

const (
	tolerance   = 1e-6
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
)

// spatialStation wraps a station id to implement rtreego.Spatial
type spatialStation struct {
	id   string
	rect *rtreego.Rect
}

var _ rtreego.Spatial = (*spatialStation)(nil)

func (s *spatialStation) Bounds() *rtreego.Rect {
	return s.rect
}

// ensureTree builds the R-tree on first use. Callers hold x.mu.
func (x *Index) ensureTree() *rtreego.Rtree {
	if x.tree != nil {
		return x.tree
	}
	tree := rtreego.NewTree(dimensions, minChildren, maxChildren)
	for _, id := range x.ids {
		loc := x.locs[id]
		p := rtreego.Point{loc.Lat, loc.Lon}
		tree.Insert(&spatialStation{id: id, rect: p.ToRect(tolerance)})
	}
	x.tree = tree
	return x.tree
}

// nearestRTree bounds the search before running the heap. Any k stations
// other than the origin give an upper bound M on the k-th smallest Manhattan
// distance, and every station within Manhattan distance M lies inside the
// square of half-side M around the origin. Scanning that square therefore
// yields the same list as scanning everything.
func (x *Index) nearestRTree(id string, k int) []models.Neighbor {
	tree := x.ensureTree()
	origin := x.locs[id]
	query := rtreego.Point{origin.Lat, origin.Lon}

	// One extra because the origin is in the tree
	seeds := tree.NearestNeighbors(k+1, query)
	bound := 0.0
	found := 0
	for _, s := range seeds {
		sp, ok := s.(*spatialStation)
		if !ok || sp == nil || sp.id == id {
			continue
		}
		found++
		if d := Manhattan(origin, x.locs[sp.id]); d > bound {
			bound = d
		}
	}
	if found < k {
		return x.scan(id, k, x.ids)
	}

	half := bound + tolerance
	box, err := rtreego.NewRect(
		rtreego.Point{origin.Lat - half, origin.Lon - half},
		[]float64{2 * half, 2 * half},
	)
	if err != nil {
		return x.scan(id, k, x.ids)
	}

	hits := tree.SearchIntersect(box)
	candidates := make([]string, 0, len(hits))
	for _, hit := range hits {
		if sp, ok := hit.(*spatialStation); ok && sp != nil {
			candidates = append(candidates, sp.id)
		}
	}
	return x.scan(id, k, candidates)
}
