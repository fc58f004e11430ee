package rebalance

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

func loadStore(t *testing.T, rows []models.Row) *station.Store {
	t.Helper()
	store := station.NewStore()
	snap := models.Snapshot{
		Columns: []string{"station_id", "num_bikes_available", "lat", "lon", "name"},
		Rows:    rows,
	}
	require.NoError(t, store.Load(snap, models.FieldNumBikesAvailable))
	return store
}

func midtownRows() []models.Row {
	return []models.Row{
		{"station_id": "1", "num_bikes_available": 15, "lat": 40.7486, "lon": -73.9864, "name": "Station1"},
		{"station_id": "2", "num_bikes_available": 25, "lat": 40.7496, "lon": -73.9874, "name": "Station2"},
		{"station_id": "3", "num_bikes_available": 35, "lat": 40.7506, "lon": -73.9884, "name": "Station3"},
		{"station_id": "4", "num_bikes_available": 45, "lat": 40.7516, "lon": -73.9894, "name": "Station4"},
	}
}

func bikes(t *testing.T, store *station.Store, id string) int {
	t.Helper()
	n, err := store.Bikes(id)
	require.NoError(t, err)
	return n
}

func TestRunDonorFloorMin(t *testing.T) {
	store := loadStore(t, midtownRows())
	planner := NewPlanner(store, nil, Options{
		K:          3,
		Thresholds: Thresholds{Min: 25, Max: 40},
		DonorFloor: FloorMin,
	})

	plan, err := planner.Run()
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, plan.Understocked)
	assert.Equal(t, []string{"4"}, plan.Overstocked)
	assert.Equal(t, []string{"2", "3"}, plan.Normal)
	assert.Equal(t, []models.Transfer{{From: "4", To: "1", Amount: 10}}, plan.Transfers)
	assert.Empty(t, plan.Unsatisfied)

	assert.Equal(t, 25, bikes(t, store, "1"))
	assert.Equal(t, 25, bikes(t, store, "2"))
	assert.Equal(t, 35, bikes(t, store, "3"))
	assert.Equal(t, 35, bikes(t, store, "4"))
}

func TestRunDonorFloorMax(t *testing.T) {
	store := loadStore(t, midtownRows())
	planner := NewPlanner(store, nil, Options{
		K:          3,
		Thresholds: Thresholds{Min: 25, Max: 40},
	})

	plan, err := planner.Run()
	require.NoError(t, err)

	// Only the surplus above max is available
	assert.Equal(t, []models.Transfer{{From: "4", To: "1", Amount: 5}}, plan.Transfers)
	assert.Equal(t, []string{"1"}, plan.Unsatisfied)
	assert.Equal(t, 20, bikes(t, store, "1"))
	assert.Equal(t, 40, bikes(t, store, "4"))
	assert.Equal(t, 5, plan.Moved)
}

func TestRunNearestDonorFirst(t *testing.T) {
	store := loadStore(t, []models.Row{
		{"station_id": "hungry", "num_bikes_available": 0, "lat": 0.0, "lon": 0.0, "name": ""},
		{"station_id": "far", "num_bikes_available": 50, "lat": 0.0, "lon": 0.3, "name": ""},
		{"station_id": "near", "num_bikes_available": 14, "lat": 0.0, "lon": 0.1, "name": ""},
		{"station_id": "mid", "num_bikes_available": 13, "lat": 0.2, "lon": 0.0, "name": ""},
	})
	planner := NewPlanner(store, nil, Options{K: 3, Thresholds: Thresholds{Min: 10, Max: 10}})

	plan, err := planner.Run()
	require.NoError(t, err)

	assert.Equal(t, []models.Transfer{
		{From: "near", To: "hungry", Amount: 4},
		{From: "mid", To: "hungry", Amount: 3},
		{From: "far", To: "hungry", Amount: 3},
	}, plan.Transfers)
	assert.Equal(t, 10, bikes(t, store, "hungry"))
	assert.Equal(t, 47, bikes(t, store, "far"))
}

func TestRunSharedDonorSurplusIsReduced(t *testing.T) {
	store := loadStore(t, []models.Row{
		{"station_id": "a", "num_bikes_available": 2, "lat": 0.0, "lon": 0.0, "name": ""},
		{"station_id": "b", "num_bikes_available": 2, "lat": 0.0, "lon": 0.2, "name": ""},
		{"station_id": "donor", "num_bikes_available": 16, "lat": 0.0, "lon": 0.1, "name": ""},
	})
	planner := NewPlanner(store, nil, Options{K: 2, Thresholds: Thresholds{Min: 5, Max: 10}})

	plan, err := planner.Run()
	require.NoError(t, err)

	// a takes 3, leaving 3 of the 6 surplus bikes for b
	assert.Equal(t, []models.Transfer{
		{From: "donor", To: "a", Amount: 3},
		{From: "donor", To: "b", Amount: 3},
	}, plan.Transfers)
	assert.Equal(t, 10, bikes(t, store, "donor"))
	assert.Empty(t, plan.Unsatisfied)
}

func TestRunStopsWhenDonorDrained(t *testing.T) {
	store := loadStore(t, []models.Row{
		{"station_id": "a", "num_bikes_available": 0, "lat": 0.0, "lon": 0.0, "name": ""},
		{"station_id": "b", "num_bikes_available": 0, "lat": 0.0, "lon": 0.2, "name": ""},
		{"station_id": "donor", "num_bikes_available": 14, "lat": 0.0, "lon": 0.1, "name": ""},
	})
	planner := NewPlanner(store, nil, Options{K: 2, Thresholds: Thresholds{Min: 5, Max: 10}})

	plan, err := planner.Run()
	require.NoError(t, err)

	assert.Equal(t, []models.Transfer{{From: "donor", To: "a", Amount: 4}}, plan.Transfers)
	assert.Equal(t, []string{"a", "b"}, plan.Unsatisfied)
}

func TestRunInvalidThresholds(t *testing.T) {
	store := loadStore(t, midtownRows())
	planner := NewPlanner(store, nil, Options{K: 3, Thresholds: Thresholds{Min: 50, Max: 10}})

	plan, err := planner.Run()
	require.ErrorIs(t, err, ErrInvalidThresholds)
	assert.Nil(t, plan)

	// Nothing moved
	assert.Equal(t, 15, bikes(t, store, "1"))
	assert.Equal(t, 45, bikes(t, store, "4"))
}

func TestRunInvalidK(t *testing.T) {
	store := loadStore(t, midtownRows())
	_, err := NewPlanner(store, nil, Options{K: 0, Thresholds: Thresholds{Min: 25, Max: 40}}).Run()
	assert.ErrorIs(t, err, proximity.ErrInvalidK)
}

func TestThresholdsValidate(t *testing.T) {
	testCases := []struct {
		name    string
		t       Thresholds
		wantErr bool
	}{
		{"band", Thresholds{Min: 25, Max: 45}, false},
		{"single point", Thresholds{Min: 10, Max: 10}, false},
		{"inverted", Thresholds{Min: 50, Max: 10}, true},
		{"negative", Thresholds{Min: -1, Max: 10}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.t.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidThresholds)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunBalancedSnapshotIsNoop(t *testing.T) {
	store := loadStore(t, midtownRows())
	planner := NewPlanner(store, nil, Options{K: 3, Thresholds: Thresholds{Min: 15, Max: 45}})

	plan, err := planner.Run()
	require.NoError(t, err)
	assert.Empty(t, plan.Transfers)
	assert.Empty(t, plan.Understocked)
	assert.Equal(t, plan.Before, plan.After)
}

func TestRunIsIdempotentOnceBalanced(t *testing.T) {
	store := loadStore(t, midtownRows())
	opts := Options{K: 3, Thresholds: Thresholds{Min: 25, Max: 40}, DonorFloor: FloorMin}

	_, err := NewPlanner(store, nil, opts).Run()
	require.NoError(t, err)

	second, err := NewPlanner(store, nil, opts).Run()
	require.NoError(t, err)
	assert.Empty(t, second.Transfers)
}

func TestRunInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			store := loadStore(t, randomRows(150, seed))
			before := store.Total()

			for _, floor := range []DonorFloor{FloorMax, FloorMin} {
				planner := NewPlanner(store, proximity.NewIndex(store), Options{
					K:          5,
					Thresholds: Thresholds{Min: 10, Max: 30},
					DonorFloor: floor,
				})
				plan, err := planner.Run()
				require.NoError(t, err)

				assert.Equal(t, before, store.Total(), "conservation")
				assert.Equal(t, plan.Before.Total, plan.After.Total)
				for st := range store.All() {
					assert.GreaterOrEqual(t, st.BikesAvailable, 0)
				}
				for _, tr := range plan.Transfers {
					assert.Positive(t, tr.Amount)
				}
				// Receivers never overshoot the band
				for _, id := range plan.Understocked {
					assert.LessOrEqual(t, bikes(t, store, id), 10)
				}
			}
		})
	}
}

func TestRunReachableSurplusSatisfies(t *testing.T) {
	store := loadStore(t, []models.Row{
		{"station_id": "u", "num_bikes_available": 1, "lat": 0.0, "lon": 0.0, "name": ""},
		{"station_id": "o1", "num_bikes_available": 12, "lat": 0.0, "lon": 0.01, "name": ""},
		{"station_id": "n1", "num_bikes_available": 8, "lat": 0.0, "lon": 0.02, "name": ""},
		{"station_id": "o2", "num_bikes_available": 20, "lat": 0.0, "lon": 0.03, "name": ""},
		{"station_id": "o3", "num_bikes_available": 90, "lat": 5.0, "lon": 5.0, "name": ""},
	})
	planner := NewPlanner(store, nil, Options{K: 3, Thresholds: Thresholds{Min: 8, Max: 10}})

	plan, err := planner.Run()
	require.NoError(t, err)
	assert.Equal(t, 8, bikes(t, store, "u"))
	assert.Equal(t, 90, bikes(t, store, "o3"), "outside the k-neighbour list")
	assert.Empty(t, plan.Unsatisfied)
}

func TestPlanTouched(t *testing.T) {
	plan := &Plan{Transfers: []models.Transfer{{From: "a", To: "b", Amount: 1}}}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, plan.Touched())
}

func TestParseDonorFloor(t *testing.T) {
	f, err := ParseDonorFloor("")
	require.NoError(t, err)
	assert.Equal(t, FloorMax, f)

	f, err = ParseDonorFloor("min")
	require.NoError(t, err)
	assert.Equal(t, FloorMin, f)

	_, err = ParseDonorFloor("zero")
	assert.Error(t, err)
}

func randomRows(n int, seed int64) []models.Row {
	r := rand.New(rand.NewSource(seed))
	rows := make([]models.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = models.Row{
			"station_id":          fmt.Sprintf("s_%d", i),
			"num_bikes_available": r.Intn(45),
			"lat":                 40.70 + r.Float64()*0.1,
			"lon":                 -74.02 + r.Float64()*0.1,
			"name":                fmt.Sprintf("Station %d", i),
		}
	}
	return rows
}
