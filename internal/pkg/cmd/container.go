package cmd

import (
	"context"
	"fmt"
	"os"

	sqlbinder "github.com/klwxsrx/go-stream-binder/data/sql/binder"
	"github.com/klwxsrx/go-stream-binder/internal/config"
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/http"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/metric"
	"github.com/klwxsrx/go-stream-binder/pkg/sql"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

const (
	defaultBindingsConfigPath = "configs/bindings.yaml"
	metricsNamespace          = "stream_binder"
)

type InfrastructureContainer struct {
	Logger     lazy.Loader[log.Logger]
	Metrics    lazy.Loader[metric.Metrics]
	Bindings   lazy.Loader[*config.Config]
	DB         lazy.Loader[sql.Database]
	Binder     lazy.Loader[*Binder]
	Producer   lazy.Loader[message.Producer]
	HTTPServer lazy.Loader[*http.Server]

	ctx        context.Context
	prometheus lazy.Loader[*metric.Prometheus]
	extra      []*Binder
	pools      []worker.Pool
}

func NewInfrastructureContainer(ctx context.Context) *InfrastructureContainer {
	logger := loggerProvider()
	prometheus := prometheusProvider()
	metrics := metricsProvider(prometheus)

	db := sqlDatabaseProvider(ctx, logger)
	binder := binderProvider(ctx, db, logger)

	return &InfrastructureContainer{
		Logger:   logger,
		Metrics:  metrics,
		Bindings: bindingsProvider(),
		DB:       db,
		Binder:   binder,
		Producer: lazy.New(func() (message.Producer, error) {
			return binder.MustLoad(), nil
		}),
		HTTPServer: httpServerProvider(binder, db, prometheus, metrics, logger),
		ctx:        ctx,
		prometheus: prometheus,
	}
}

// MustInitBinder opens one more binder besides the configured one, it is closed with the container.
func (c *InfrastructureContainer) MustInitBinder(kind string) *Binder {
	b, err := newBinder(c.ctx, kind, c.DB, c.Logger.MustLoad())
	if err != nil {
		panic(fmt.Errorf("init %s binder: %w", kind, err))
	}

	c.extra = append(c.extra, b)
	return b
}

// MustInitMessageRegistry builds the registry over the configured binder.
// Error sinks named in the bindings config are looked up in sinks.
func (c *InfrastructureContainer) MustInitMessageRegistry(sinks map[string]message.ErrorSink) *commonmessage.HandlerRegistry {
	bindings := c.Bindings.MustLoad()
	binder := c.Binder.MustLoad()

	return commonmessage.NewHandlerRegistry(
		c.MustInitRegistry(binder, binder, bindings, sinks),
		bindings,
		c.Logger.MustLoad(),
	)
}

// MustInitRegistry builds a registry consuming from source and publishing through sink.
// Transactions are enabled only when both sides are the same transactional binder.
func (c *InfrastructureContainer) MustInitRegistry(
	source *Binder,
	sink *Binder,
	bindings *config.Config,
	sinks map[string]message.ErrorSink,
) *message.Registry {
	logger := c.Logger.MustLoad()
	router := message.NewErrorRouter(mustErrorRouterOptions(bindings, sinks, logger)...)

	listenerOpts := []message.ListenerOption{
		message.WithDrainTimeout(bindings.DrainTimeout),
		message.WithLogging(logger, log.LevelInfo, log.LevelError),
		message.WithMetrics(c.Metrics.MustLoad()),
	}
	opts := []message.RegistryOption{
		message.WithRegistryProducer(sink),
		message.WithRegistryErrorRouter(router),
		message.WithListenerOptions(listenerOpts...),
	}
	poolSize := env.Must(env.ParseOptional[int]("WORKER_POOL_SIZE"))
	if poolSize != nil {
		pool := worker.NewPool(*poolSize)
		c.pools = append(c.pools, pool)
		opts = append(opts, message.WithRegistryWorkerPool(pool))
	}
	if source == sink && source.Transactor != nil {
		opts = append(opts, message.WithRegistryTransactor(
			source.Transactor,
			message.WithTransactionLogging(logger, log.LevelInfo, log.LevelWarn),
		))
	}

	return message.NewRegistry(source, opts...)
}

func (c *InfrastructureContainer) Close(ctx context.Context) {
	if cmd.ReportPanic(ctx, c.Logger.MustLoad(), recover()) {
		defer os.Exit(1)
	}

	for _, b := range c.extra {
		b.Close()
	}
	for _, pool := range c.pools {
		pool.Release()
	}
	c.Binder.IfLoaded(func(b *Binder) { b.Close() })
	c.DB.IfLoaded(func(db sql.Database) { db.Close(ctx) })
}

func mustErrorRouterOptions(
	bindings *config.Config,
	sinks map[string]message.ErrorSink,
	logger log.Logger,
) []message.ErrorRouterOption {
	lookup := func(name string) message.ErrorSink {
		sink, ok := sinks[name]
		if !ok {
			panic(fmt.Errorf("error sink %s is not defined", name))
		}
		return sink
	}

	opts := []message.ErrorRouterOption{
		message.WithUnroutedFaultPolicy(bindings.FaultPolicy()),
		message.WithErrorRouterLogging(logger),
	}
	if bindings.DefaultErrorSink != "" {
		opts = append(opts, message.WithDefaultErrorSink(lookup(bindings.DefaultErrorSink)))
	}
	for binding, sinkName := range bindings.ErrorSinks() {
		opts = append(opts, message.WithBindingErrorSink(binding, lookup(sinkName)))
	}

	return opts
}

func loggerProvider() lazy.Loader[log.Logger] {
	return lazy.New(func() (log.Logger, error) {
		return cmd.InitLogger(), nil
	})
}

func prometheusProvider() lazy.Loader[*metric.Prometheus] {
	return lazy.New(func() (*metric.Prometheus, error) {
		enabled, err := env.ParseOr("METRICS_ENABLED", false)
		if err != nil || !enabled {
			return nil, err
		}

		return metric.NewPrometheus(metricsNamespace), nil
	})
}

func metricsProvider(prometheus lazy.Loader[*metric.Prometheus]) lazy.Loader[metric.Metrics] {
	return lazy.New(func() (metric.Metrics, error) {
		if p := prometheus.MustLoad(); p != nil {
			return p.Metrics(), nil
		}

		return metric.NewStub(), nil
	})
}

func bindingsProvider() lazy.Loader[*config.Config] {
	return lazy.New(func() (*config.Config, error) {
		path, err := env.ParseOr("BINDINGS_CONFIG", defaultBindingsConfigPath)
		if err != nil {
			return nil, err
		}

		return config.Load(path)
	})
}

func sqlDatabaseProvider(
	ctx context.Context,
	logger lazy.Loader[log.Logger],
) lazy.Loader[sql.Database] {
	return lazy.New(func() (sql.Database, error) {
		return cmd.MustInitSQL(ctx, logger.MustLoad(), sqlbinder.Migrations), nil
	})
}

func binderProvider(
	ctx context.Context,
	db lazy.Loader[sql.Database],
	logger lazy.Loader[log.Logger],
) lazy.Loader[*Binder] {
	return lazy.New(func() (*Binder, error) {
		kind, err := env.ParseOr("BINDER", BinderMemory)
		if err != nil {
			return nil, err
		}

		return newBinder(ctx, kind, db, logger.MustLoad())
	})
}

func httpServerProvider(
	binder lazy.Loader[*Binder],
	db lazy.Loader[sql.Database],
	prometheus lazy.Loader[*metric.Prometheus],
	metrics lazy.Loader[metric.Metrics],
	logger lazy.Loader[log.Logger],
) lazy.Loader[*http.Server] {
	return lazy.New(func() (*http.Server, error) {
		address, err := env.ParseOr("HTTP_ADDRESS", http.DefaultServerAddress)
		if err != nil {
			return nil, err
		}

		opts := []http.ServerOption{
			http.WithPanicRecovery(logger.MustLoad()),
			http.WithLogging(logger.MustLoad(), http.HealthPath, http.MetricsPath),
			http.WithMetrics(metrics.MustLoad()),
			http.WithHealthCheck(map[string]http.HealthCheck{
				"binder":   binderHealthCheck(binder),
				"database": databaseHealthCheck(db),
			}),
		}
		if p := prometheus.MustLoad(); p != nil {
			opts = append(opts, http.WithMetricsHandler(p.Handler()))
		}

		return http.NewServer(address, opts...), nil
	})
}

func binderHealthCheck(binder lazy.Loader[*Binder]) http.HealthCheck {
	return func(ctx context.Context) error {
		var err error
		binder.IfLoaded(func(b *Binder) {
			if b.Ping != nil {
				err = b.Ping(ctx)
			}
		})
		return err
	}
}

func databaseHealthCheck(db lazy.Loader[sql.Database]) http.HealthCheck {
	return func(ctx context.Context) error {
		var err error
		db.IfLoaded(func(database sql.Database) {
			err = sqlPing(database)(ctx)
		})
		return err
	}
}
