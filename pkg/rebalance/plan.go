package rebalance

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// DonorFloor controls how far an overstocked station may be drained.
type DonorFloor string

const (
	// FloorMax lets a donor give only its surplus above max_threshold.
	FloorMax DonorFloor = "max"
	// FloorMin lets a donor give down to min_threshold.
	FloorMin DonorFloor = "min"
)

// ParseDonorFloor maps a config value to a DonorFloor. Empty means max.
func ParseDonorFloor(s string) (DonorFloor, error) {
	switch DonorFloor(s) {
	case "", FloorMax:
		return FloorMax, nil
	case FloorMin:
		return FloorMin, nil
	}
	return "", fmt.Errorf("unknown donor floor %q", s)
}

// Thresholds is the acceptable occupancy band [Min, Max].
type Thresholds struct {
	Min int `json:"min_threshold" yaml:"min_threshold"`
	Max int `json:"max_threshold" yaml:"max_threshold"`
}

// Validate rejects inverted or negative bands
func (t Thresholds) Validate() error {
	if t.Min < 0 || t.Max < 0 {
		return fmt.Errorf("%w: thresholds must not be negative (min=%d, max=%d)", ErrInvalidThresholds, t.Min, t.Max)
	}
	if t.Min > t.Max {
		return fmt.Errorf("%w: min_threshold %d > max_threshold %d", ErrInvalidThresholds, t.Min, t.Max)
	}
	return nil
}

// Balance summarises station occupancy at one point of a pass.
type Balance struct {
	Total  int     `json:"total" yaml:"total"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
}

// Plan is the outcome of one planning pass. Transfers have already been
// applied to the store when it is returned.
type Plan struct {
	ID           string            `json:"id" yaml:"id"`
	Transfers    []models.Transfer `json:"transfers" yaml:"transfers"`
	Understocked []string          `json:"understocked" yaml:"understocked"`
	Overstocked  []string          `json:"overstocked" yaml:"overstocked"`
	Normal       []string          `json:"normal" yaml:"normal"`
	Unsatisfied  []string          `json:"unsatisfied" yaml:"unsatisfied"`
	Moved        int               `json:"moved" yaml:"moved"`
	Before       Balance           `json:"before" yaml:"before"`
	After        Balance           `json:"after" yaml:"after"`
}

// Touched returns the ids of every station that sent or received bikes.
func (p *Plan) Touched() map[string]bool {
	touched := make(map[string]bool, 2*len(p.Transfers))
	for _, t := range p.Transfers {
		touched[t.From] = true
		touched[t.To] = true
	}
	return touched
}

func measure(store *station.Store) Balance {
	counts := make([]float64, 0, store.Len())
	total := 0
	for st := range store.All() {
		counts = append(counts, float64(st.BikesAvailable))
		total += st.BikesAvailable
	}
	if len(counts) == 0 {
		return Balance{}
	}
	mean, std := stat.MeanStdDev(counts, nil)
	if len(counts) == 1 {
		std = 0
	}
	return Balance{Total: total, Mean: mean, StdDev: std}
}
