// Package metrics records rebalancing pass outcomes for observability.
package metrics

import (
	"time"
)

// PassEvent summarises one pipeline pass.
type PassEvent struct {
	PassID       string
	Success      bool
	Error        string
	Stations     int
	Understocked int
	Overstocked  int
	Unsatisfied  int
	Transfers    int
	BikesMoved   int
	StdDevBefore float64
	StdDevAfter  float64
	Duration     time.Duration
	Time         time.Time
}

// Status returns the label used for the pass outcome.
func (e PassEvent) Status() string {
	if e.Success {
		return "ok"
	}
	return "error"
}

// Sink records pass events.
type Sink interface {
	RecordPass(ev PassEvent) error
}

// NopSink implements Sink with a no-op method.
type NopSink struct{}

func (NopSink) RecordPass(PassEvent) error { return nil }

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordPass forwards the event to all sinks, returning the first error encountered.
func (m *MultiSink) RecordPass(ev PassEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordPass(ev); err != nil {
			return err
		}
	}
	return nil
}

// Config selects the enabled sinks.
type Config struct {
	Prometheus PrometheusConfig `json:"prometheus"`
	Influx     InfluxConfig     `json:"influx"`
}

// PrometheusConfig enables the Prometheus collectors and /metrics endpoint.
type PrometheusConfig struct {
	Enabled bool `json:"enabled"`
}

// InfluxConfig points at an InfluxDB v2 bucket. An empty URL disables it.
type InfluxConfig struct {
	URL    string `json:"url" validate:"omitempty,url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket" validate:"required_with=URL"`
}
