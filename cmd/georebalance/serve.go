package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/1F47E/geo-rebalance/internal/config"
	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/internal/metrics"
	"github.com/1F47E/geo-rebalance/internal/pipeline"
	"github.com/1F47E/geo-rebalance/internal/publish"
	"github.com/1F47E/geo-rebalance/pkg/feed"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the configured source and publish every rebalancing pass",
	Long: `Runs a pass immediately and then on every poll interval until interrupted.
Passes are published over MQTT or NATS and served over HTTP (live table, SSE stream,
neighbour lookups and Prometheus metrics) depending on the config.`,
	RunE: runServe,
}

const shutdownTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return err
	}
	log := logger.New("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := pipelineOptions(cfg)
	if err != nil {
		return err
	}

	source, closeSource, err := openSource(ctx, cfg.Source, cfg.Poll.Timeout)
	if err != nil {
		return err
	}
	defer closeSource()

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewSink(cfg.Metrics, reg)
	if err != nil {
		return err
	}
	if c, ok := sink.(interface{ Close() }); ok {
		defer c.Close()
	}

	var pubs []publish.Publisher
	if cfg.Publish.MQTT.Broker != "" {
		mq, err := publish.NewMQTTPublisher(cfg.Publish.MQTT)
		if err != nil {
			return err
		}
		defer mq.Close()
		pubs = append(pubs, mq)
		log.Infof("publishing to %s under %s", cfg.Publish.MQTT.Broker, cfg.Publish.MQTT.Topic)
	}
	if cfg.Publish.NATS.URL != "" {
		np, err := publish.NewNATSPublisher(ctx, cfg.Publish.NATS)
		if err != nil {
			return err
		}
		defer np.Close()
		pubs = append(pubs, np)
		log.Infof("publishing to %s, subject %s, bucket %s", cfg.Publish.NATS.URL, cfg.Publish.NATS.Subject, cfg.Publish.NATS.Bucket)
	}

	var srv *http.Server
	if cfg.Publish.HTTP.Addr != "" {
		hubOpts := []publish.HubOption{
			publish.WithDefaultK(cfg.Rebalance.K),
			publish.WithLogger(logger.New("hub")),
		}
		if cfg.Metrics.Prometheus.Enabled {
			hubOpts = append(hubOpts, publish.WithMetricsHandler(metrics.Handler(reg)))
		}
		hub := publish.NewHub(hubOpts...)
		pubs = append(pubs, hub)

		srv = &http.Server{
			Addr:              cfg.Publish.HTTP.Addr,
			Handler:           hub.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			// SSE handlers return when the service context ends
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		go func() {
			log.Infof("http listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("http server: %v", err)
				stop()
			}
		}()
	}

	var pub publish.Publisher
	switch len(pubs) {
	case 0:
		log.Warnf("no publisher configured, passes are only logged")
		pub = publish.NopPublisher{}
	case 1:
		pub = pubs[0]
	default:
		pub = publish.NewMultiPublisher(pubs...)
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithSink(sink),
		pipeline.WithLogger(logger.New("pipeline")),
	}
	if cfg.Alerts.URL != "" {
		pipeOpts = append(pipeOpts, pipeline.WithAlerts(feed.NewAlertsClient(cfg.Alerts.URL, cfg.Poll.Timeout)))
	}

	log.Infof("source %s, every %s, k=%d band=[%d,%d]",
		cfg.Source.Kind, opts.Interval, opts.K, opts.Min, opts.Max)
	runErr := pipeline.New(source, pub, opts, pipeOpts...).Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("http shutdown: %v", err)
		}
	}
	log.Infof("stopped")
	return runErr
}

func pipelineOptions(cfg *config.Config) (pipeline.Options, error) {
	strategy, err := proximity.ParseStrategy(cfg.Rebalance.Strategy)
	if err != nil {
		return pipeline.Options{}, err
	}
	floor, err := rebalance.ParseDonorFloor(cfg.Rebalance.DonorFloor)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Interval:       cfg.Poll.Interval,
		K:              cfg.Rebalance.K,
		Min:            cfg.Rebalance.MinThreshold,
		Max:            cfg.Rebalance.MaxThreshold,
		OccupancyField: cfg.Rebalance.OccupancyField,
		Strategy:       strategy,
		DonorFloor:     floor,
	}, nil
}
