// Package publish delivers the result of each rebalancing pass to
// downstream consumers.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/1F47E/geo-rebalance/pkg/feed"
	"github.com/1F47E/geo-rebalance/pkg/models"
)

// Update is the outcome of one successful pass.
type Update struct {
	PassID         string            `json:"pass_id"`
	Time           time.Time         `json:"time"`
	OccupancyField string            `json:"occupancy_field"`
	Fingerprint    uint64            `json:"fingerprint"`
	Snapshot       models.Snapshot   `json:"snapshot"`
	Transfers      []models.Transfer `json:"transfers"`
	Unsatisfied    []string          `json:"unsatisfied"`
	Alerts         []feed.Alert      `json:"alerts,omitempty"`
}

// Publisher delivers updates.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// NopPublisher discards updates
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Update) error { return nil }

// MultiPublisher fans an update out to every publisher. All publishers are
// attempted; their errors are joined.
type MultiPublisher struct {
	Publishers []Publisher
}

// NewMultiPublisher creates a MultiPublisher with the provided publishers.
func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{Publishers: pubs}
}

// Publish forwards u to all publishers
func (m *MultiPublisher) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, p := range m.Publishers {
		if err := p.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
