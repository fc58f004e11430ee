package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/pkg/models"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL     string `json:"url" validate:"omitempty,url"`
	Subject string `json:"subject"`
	// Bucket is the JetStream key-value bucket holding the latest snapshot
	Bucket    string `json:"bucket"`
	TimeoutMS int    `json:"timeout_ms" validate:"gte=0"`
}

// SetDefaults applies defaults for unset fields.
func (c *NATSConfig) SetDefaults() {
	if c.Subject == "" {
		c.Subject = "georebalance"
	}
	if c.Bucket == "" {
		c.Bucket = "georebalance"
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
}

// Key under which the latest snapshot is stored.
const natsSnapshotKey = "snapshot"

// NATSPublisher stores the latest snapshot in a JetStream key-value bucket,
// so late consumers read the last good table, and publishes the transfers of
// every pass on <subject>.transfers.
type NATSPublisher struct {
	nc      *nats.Conn
	kv      jetstream.KeyValue
	subject string
	timeout time.Duration
	owned   bool
	log     logger.Logger
}

// NewNATSPublisher connects to cfg.URL and creates the bucket if needed.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("georebalance"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p, err := NewNATSPublisherWithConn(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewNATSPublisherWithConn uses an existing connection, which Close leaves open.
func NewNATSPublisherWithConn(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*NATSPublisher, error) {
	cfg.SetDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "latest rebalanced station snapshot",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("key-value bucket %s: %w", cfg.Bucket, err)
	}
	return &NATSPublisher{
		nc:      nc,
		kv:      kv,
		subject: strings.TrimRight(cfg.Subject, "."),
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     logger.New("nats_publisher"),
	}, nil
}

// Publish writes the snapshot to the bucket, then the transfers to the subject.
func (p *NATSPublisher) Publish(ctx context.Context, u Update) error {
	snap, err := json.Marshal(snapshotMessage{
		PassID: u.PassID, Time: u.Time, OccupancyField: u.OccupancyField, Snapshot: u.Snapshot,
	})
	if err != nil {
		return err
	}
	transfers := u.Transfers
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	tr, err := json.Marshal(transfersMessage{
		PassID: u.PassID, Time: u.Time, Transfers: transfers, Unsatisfied: u.Unsatisfied,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.kv.Put(ctx, natsSnapshotKey, snap); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if err := p.nc.Publish(p.subject+".transfers", tr); err != nil {
		return fmt.Errorf("publish transfers: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	p.log.Debugw("published pass", map[string]any{"pass_id": u.PassID, "transfers": len(u.Transfers)})
	return nil
}

// Close drains the connection when the publisher opened it.
func (p *NATSPublisher) Close() {
	if p.owned {
		_ = p.nc.Drain()
	}
}
