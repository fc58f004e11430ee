// Package station holds the in-memory snapshot of bike rack stations used by
// a single rebalancing pass.
package station

import (
	"fmt"
	"iter"

	"github.com/1F47E/geo-rebalance/pkg/models"
)

// Store maps station ids to stations and remembers insertion order.
// It is rebuilt from scratch on every snapshot and is not safe for
// concurrent mutation.
type Store struct {
	order    []string
	stations map[string]*models.Station
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{stations: make(map[string]*models.Station)}
}

// Load replaces the store contents with the stations of snap. Every row is
// parsed before anything is written, so a single bad row fails the whole
// batch with ErrMalformedSnapshot and leaves the store untouched.
func (s *Store) Load(snap models.Snapshot, occupancyField string) error {
	if occupancyField == "" {
		return fmt.Errorf("%w: no occupancy field", ErrMalformedSnapshot)
	}

	order := make([]string, 0, len(snap.Rows))
	stations := make(map[string]*models.Station, len(snap.Rows))
	for i, row := range snap.Rows {
		st, err := parseRow(row, occupancyField)
		if err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrMalformedSnapshot, i, err)
		}
		if existing, ok := stations[st.ID]; ok {
			// Later rows win but keep the first position
			*existing = st
			continue
		}
		order = append(order, st.ID)
		stations[st.ID] = &st
	}

	s.order = order
	s.stations = stations
	return nil
}

// Get returns the station with the given id
func (s *Store) Get(id string) (models.Station, bool) {
	st, ok := s.stations[id]
	if !ok {
		return models.Station{}, false
	}
	return *st, true
}

// Lookup is Get with ErrUnknownStation for absent ids.
func (s *Store) Lookup(id string) (models.Station, error) {
	st, ok := s.Get(id)
	if !ok {
		return models.Station{}, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	return st, nil
}

// Bikes returns the current occupancy of a known station.
func (s *Store) Bikes(id string) (int, error) {
	st, ok := s.stations[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	return st.BikesAvailable, nil
}

// All yields every station in insertion order. The sequence can be ranged
// over any number of times and reflects the store at iteration time.
func (s *Store) All() iter.Seq[models.Station] {
	return func(yield func(models.Station) bool) {
		for _, id := range s.order {
			if !yield(*s.stations[id]) {
				return
			}
		}
	}
}

// IDs returns station ids in insertion order
func (s *Store) IDs() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of stations
func (s *Store) Len() int {
	return len(s.order)
}

// Total returns the number of bikes across all stations
func (s *Store) Total() int {
	total := 0
	for _, st := range s.stations {
		total += st.BikesAvailable
	}
	return total
}

// Move transfers up to amount bikes from one station to another and returns
// the number actually moved. The source never drops below zero and the
// destination only receives what the source gave up.
func (s *Store) Move(from, to string, amount int) (int, error) {
	src, ok := s.stations[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStation, from)
	}
	dst, ok := s.stations[to]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStation, to)
	}
	if amount <= 0 || from == to {
		return 0, nil
	}

	moved := min(amount, src.BikesAvailable)
	src.BikesAvailable -= moved
	dst.BikesAvailable += moved
	return moved, nil
}
