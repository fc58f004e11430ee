package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/1F47E/geo-rebalance/internal/logger"
)

// InfluxSink writes one point per pass to an InfluxDB bucket.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return NopSink{}
	}
	return sink
}

// RecordPass writes the event as a rebalance_pass point.
func (s *InfluxSink) RecordPass(ev PassEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, passPoint(ev))
}

// Close releases the client
func (s *InfluxSink) Close() {
	s.client.Close()
}

func passPoint(ev PassEvent) *write.Point {
	p := write.NewPointWithMeasurement("rebalance_pass").
		AddTag("status", ev.Status()).
		AddTag("pass_id", ev.PassID).
		AddField("stations", ev.Stations).
		AddField("understocked", ev.Understocked).
		AddField("overstocked", ev.Overstocked).
		AddField("unsatisfied", ev.Unsatisfied).
		AddField("transfers", ev.Transfers).
		AddField("bikes_moved", ev.BikesMoved).
		AddField("stddev_before", round3(ev.StdDevBefore)).
		AddField("stddev_after", round3(ev.StdDevAfter)).
		AddField("duration_ms", round3(ev.Duration.Seconds()*1000)).
		SetTime(ev.Time).
		SortTags()
	if ev.Error != "" {
		p = p.AddField("error", ev.Error)
	}
	return p
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
