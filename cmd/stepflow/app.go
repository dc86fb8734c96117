package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/GoCodeAlone/stepflow"
	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/observability/metrics"
	"github.com/GoCodeAlone/stepflow/observability/tracing"
	"github.com/GoCodeAlone/stepflow/scale"
	"github.com/GoCodeAlone/stepflow/store"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds the runtime assembled from one config file.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	claimer   stepflow.Claimer
	collector *metrics.Collector
	tracer    *tracing.Provider

	closers []func(context.Context) error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp opens the store and, when configured, the claimer, metrics
// collector and tracer. Callers must Close the app.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := config.NewLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driverName(cfg.Store.Driver), err)
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	if cfg.Pipeline.Claim {
		claimer, closeFn := newClaimer(cfg.Store, st)
		a.claimer = claimer
		if closeFn != nil {
			a.closers = append(a.closers, func(context.Context) error { return closeFn() })
		}
	}

	if cfg.Metrics.Enabled {
		mcfg := metrics.DefaultConfig()
		if cfg.Metrics.Namespace != "" {
			mcfg.Namespace = cfg.Metrics.Namespace
		}
		a.collector = metrics.NewCollector(mcfg)
	}

	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultConfig()
		if cfg.Tracing.Endpoint != "" {
			tcfg.Endpoint = cfg.Tracing.Endpoint
		}
		if cfg.Tracing.ServiceName != "" {
			tcfg.ServiceName = cfg.Tracing.ServiceName
		}
		if cfg.Tracing.SamplingRate > 0 {
			tcfg.SampleRate = cfg.Tracing.SamplingRate
		}
		tcfg.ServiceVersion = version
		tp, err := tracing.NewProvider(ctx, tcfg)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.tracer = tp
		a.closers = append(a.closers, tp.Shutdown)
	}

	logger.Debug("Runtime ready",
		"store", driverName(cfg.Store.Driver),
		"cache", cfg.Pipeline.Cache,
		"claim", cfg.Pipeline.Claim,
		"metrics", a.collector != nil,
		"tracing", a.tracer != nil)
	return a, nil
}

// newClaimer picks the claimer matching the store backend so that claims
// are visible to every process sharing the store.
func newClaimer(cfg config.StoreConfig, st store.Store) (stepflow.Claimer, func() error) {
	switch cfg.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return scale.NewRedisLock(client), client.Close
	case config.DriverPostgres:
		if pg, ok := st.(*store.PGStore); ok {
			return scale.NewPGAdvisoryLock(pg.Pool()), nil
		}
	}
	return scale.NewInMemoryLock(), nil
}

// Options returns the pipeline options for this runtime.
func (a *app) Options() []stepflow.Option {
	opts := append([]stepflow.Option{stepflow.WithLogger(a.logger)}, a.cfg.Pipeline.Options()...)
	if a.cfg.Pipeline.Cache {
		opts = append(opts, stepflow.WithSnapshotStore(a.store))
	}
	if a.claimer != nil {
		opts = append(opts, stepflow.WithClaimer(a.claimer, a.cfg.Pipeline.ClaimTTL))
	}
	if a.collector != nil {
		opts = append(opts, stepflow.WithEventRecorder(a.collector))
	}
	if a.tracer != nil {
		opts = append(opts, stepflow.WithTracer(a.tracer.Tracer()))
	}
	return opts
}

// WriteMetrics writes the collected metrics in the Prometheus text format.
func (a *app) WriteMetrics(w io.Writer) error {
	if a.collector == nil {
		return errors.New("metrics are not enabled in the config")
	}
	families, err := a.collector.Registry().Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func driverName(d string) string {
	if d == "" {
		return config.DriverMemory
	}
	return d
}
