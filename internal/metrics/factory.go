package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewSink builds the sinks enabled in cfg. reg is used for Prometheus
// collectors; it may be nil for the default registry.
func NewSink(cfg Config, reg prometheus.Registerer) (Sink, error) {
	var sinks []Sink
	if cfg.Prometheus.Enabled {
		prom, err := NewPromSinkWithRegistry(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
	}
	if cfg.Influx.URL != "" {
		sinks = append(sinks, NewInfluxSinkWithFallback(cfg.Influx))
	}
	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
