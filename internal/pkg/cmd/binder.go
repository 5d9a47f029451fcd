package cmd

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/pkg/http"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/memory"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/sql"
)

const (
	BinderMemory   = "memory"
	BinderPulsar   = "pulsar"
	BinderRedis    = "redis"
	BinderRabbitMQ = "rabbitmq"
	BinderNATS     = "nats"
	BinderSQL      = "sql"
)

// Binder is a broker together with its optional capabilities.
// Transactor is nil for binders that can't settle and publish atomically.
type Binder struct {
	message.Broker
	Kind       string
	Transactor message.Transactor
	Ping       http.HealthCheck

	close func()
}

func (b *Binder) Close() {
	if b.close != nil {
		b.close()
	}
}

func newBinder(
	ctx context.Context,
	kind string,
	db lazy.Loader[sql.Database],
	logger log.Logger,
) (*Binder, error) {
	logger = logger.WithField("binder", kind)
	switch kind {
	case BinderMemory:
		broker := memory.NewBroker()
		return &Binder{Broker: broker, Kind: kind, Transactor: broker}, nil
	case BinderPulsar:
		broker := cmd.MustInitPulsarMessageBroker(logger)
		b := &Binder{Broker: broker, Kind: kind, close: broker.Close}
		if broker.TransactionsEnabled() {
			b.Transactor = broker
		}
		return b, nil
	case BinderRedis:
		broker := cmd.MustInitRedisBroker(ctx, logger)
		return &Binder{
			Broker:     broker,
			Kind:       kind,
			Transactor: broker,
			Ping:       broker.Ping,
			close:      func() { _ = broker.Close() },
		}, nil
	case BinderRabbitMQ:
		broker := cmd.MustInitRabbitMQBroker(ctx, logger)
		return &Binder{
			Broker:     broker,
			Kind:       kind,
			Transactor: broker,
			Ping:       broker.Ping,
			close:      func() { _ = broker.Close() },
		}, nil
	case BinderNATS:
		broker := cmd.MustInitNATSBroker(logger)
		return &Binder{
			Broker: broker,
			Kind:   kind,
			Ping:   broker.Ping,
			close:  broker.Close,
		}, nil
	case BinderSQL:
		database := db.MustLoad()
		broker := sql.NewBroker(database, sql.WithBrokerLogging(logger, log.LevelDebug, log.LevelError))
		return &Binder{
			Broker:     broker,
			Kind:       kind,
			Transactor: broker,
			Ping:       sqlPing(database),
		}, nil
	default:
		return nil, fmt.Errorf("unknown binder %q", kind)
	}
}

func sqlPing(db sql.Database) http.HealthCheck {
	return func(ctx context.Context) error {
		var one int
		return db.GetContext(ctx, &one, "select 1")
	}
}
