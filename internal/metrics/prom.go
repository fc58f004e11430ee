package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink records pass events in Prometheus metrics.
type PromSink struct {
	passes       *prometheus.CounterVec
	transfers    prometheus.Counter
	moved        prometheus.Counter
	understocked prometheus.Gauge
	overstocked  prometheus.Gauge
	unsatisfied  prometheus.Gauge
	stddev       *prometheus.GaugeVec
	duration     prometheus.Histogram
}

// NewPromSink registers pass metrics on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalance_passes_total",
			Help: "Total number of rebalancing passes by outcome",
		}, []string{"status"}),
		transfers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_transfers_total",
			Help: "Total number of planned transfers",
		}),
		moved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_bikes_moved_total",
			Help: "Total number of bikes moved by planned transfers",
		}),
		understocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalance_understocked_stations",
			Help: "Understocked stations in the last successful pass",
		}),
		overstocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalance_overstocked_stations",
			Help: "Overstocked stations in the last successful pass",
		}),
		unsatisfied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalance_unsatisfied_stations",
			Help: "Understocked stations still below min_threshold after the last pass",
		}),
		stddev: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rebalance_occupancy_stddev",
			Help: "Standard deviation of station occupancy",
		}, []string{"phase"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalance_pass_duration_seconds",
			Help:    "Wall time of a rebalancing pass including the fetch",
			Buckets: prometheus.DefBuckets,
		}),
	}

	var err error
	if s.passes, err = register(reg, s.passes); err != nil {
		return nil, err
	}
	if s.transfers, err = register(reg, s.transfers); err != nil {
		return nil, err
	}
	if s.moved, err = register(reg, s.moved); err != nil {
		return nil, err
	}
	if s.understocked, err = register(reg, s.understocked); err != nil {
		return nil, err
	}
	if s.overstocked, err = register(reg, s.overstocked); err != nil {
		return nil, err
	}
	if s.unsatisfied, err = register(reg, s.unsatisfied); err != nil {
		return nil, err
	}
	if s.stddev, err = register(reg, s.stddev); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, s.duration); err != nil {
		return nil, err
	}
	return s, nil
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordPass updates counters for every pass and gauges for successful ones.
func (s *PromSink) RecordPass(ev PassEvent) error {
	s.passes.WithLabelValues(ev.Status()).Inc()
	s.duration.Observe(ev.Duration.Seconds())
	if !ev.Success {
		return nil
	}
	s.transfers.Add(float64(ev.Transfers))
	s.moved.Add(float64(ev.BikesMoved))
	s.understocked.Set(float64(ev.Understocked))
	s.overstocked.Set(float64(ev.Overstocked))
	s.unsatisfied.Set(float64(ev.Unsatisfied))
	s.stddev.WithLabelValues("before").Set(ev.StdDevBefore)
	s.stddev.WithLabelValues("after").Set(ev.StdDevAfter)
	return nil
}

// Handler serves the metrics of gatherer. A nil gatherer uses the default registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
