package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/nats"
	"github.com/klwxsrx/go-stream-binder/pkg/pulsar"
	"github.com/klwxsrx/go-stream-binder/pkg/rabbitmq"
	"github.com/klwxsrx/go-stream-binder/pkg/redis"
	"github.com/klwxsrx/go-stream-binder/pkg/sql"
)

func InitLogger() log.Logger {
	logLevel := log.LevelInfo
	logLevelStr, err := env.Parse[string]("LOG_LEVEL")
	if err == nil {
		if lvl, ok := log.ParseLevel(logLevelStr); ok {
			logLevel = lvl
		}
	}

	format := log.FormatJSON
	formatStr, err := env.Parse[string]("LOG_FORMAT")
	if err == nil && log.Format(formatStr) == log.FormatText {
		format = log.FormatText
	}

	return log.New(logLevel, log.WithFormat(format))
}

func MustInitSQL(ctx context.Context, logger log.Logger, migrations ...sql.MigrationSource) sql.Database {
	sqlConfig := &sql.Config{
		Driver: sql.Driver(env.Must(env.ParseOr("SQL_DRIVER", string(sql.DriverPostgres)))),
		DSN: sql.DSN{
			User:     env.Must(env.Parse[string]("SQL_USER")),
			Password: env.Must(env.Parse[string]("SQL_PASSWORD")),
			Address:  env.Must(env.Parse[string]("SQL_ADDRESS")),
			Database: env.Must(env.Parse[string]("SQL_DATABASE")),
		},
		MaxOpenConnections: env.Must(env.ParseOr("SQL_MAX_OPEN_CONNECTIONS", 10)),
		MaxIdleConnections: env.Must(env.ParseOr("SQL_MAX_IDLE_CONNECTIONS", 10)),
	}
	sqlConnTimeout := env.Must(env.ParseOptional[time.Duration]("SQL_CONNECTION_TIMEOUT"))
	if sqlConnTimeout != nil {
		sqlConfig.ConnectionTimeout = *sqlConnTimeout
	}

	db, err := sql.NewDatabase(sqlConfig, logger)
	if err != nil {
		panic(fmt.Errorf("open sql connection: %w", err))
	}

	if len(migrations) == 0 {
		return db
	}
	err = sql.NewMigrator(db, logger).Execute(ctx, migrations...)
	if err != nil {
		panic(fmt.Errorf("execute migrations: %w", err))
	}

	return db
}

func MustInitPulsarMessageBroker(optionalLogger log.Logger) *pulsar.MessageBroker {
	config := &pulsar.Config{
		Address:            env.Must(env.Parse[string]("PULSAR_ADDRESS")),
		EnableTransactions: env.Must(env.ParseOr("PULSAR_TRANSACTIONS_ENABLED", false)),
	}
	connTimeout := env.Must(env.ParseOptional[time.Duration]("PULSAR_CONNECTION_TIMEOUT"))
	if connTimeout != nil {
		config.ConnectionTimeout = *connTimeout
	}

	if optionalLogger == nil {
		optionalLogger = log.New(log.LevelDisabled)
	}

	messageBroker, err := pulsar.NewMessageBroker(config, optionalLogger)
	if err != nil {
		panic(fmt.Errorf("open pulsar connection: %w", err))
	}

	return messageBroker
}

func MustInitRedisBroker(ctx context.Context, logger log.Logger) *redis.Broker {
	config := &redis.Config{
		Address:  env.Must(env.Parse[string]("REDIS_ADDRESS")),
		Password: env.Must(env.ParseOr("REDIS_PASSWORD", "")),
		DB:       env.Must(env.ParseOr("REDIS_DB", 0)),
	}
	connTimeout := env.Must(env.ParseOptional[time.Duration]("REDIS_CONNECTION_TIMEOUT"))
	if connTimeout != nil {
		config.ConnectionTimeout = *connTimeout
	}

	broker, err := redis.NewBroker(ctx, config, logger)
	if err != nil {
		panic(fmt.Errorf("open redis connection: %w", err))
	}

	return broker
}

func MustInitRabbitMQBroker(ctx context.Context, logger log.Logger) *rabbitmq.Broker {
	config := &rabbitmq.Config{
		URL:           env.Must(env.Parse[string]("RABBITMQ_URL")),
		PrefetchCount: env.Must(env.ParseOr("RABBITMQ_PREFETCH_COUNT", 0)),
		QuorumQueues:  env.Must(env.ParseOr("RABBITMQ_QUORUM_QUEUES", false)),
	}
	connTimeout := env.Must(env.ParseOptional[time.Duration]("RABBITMQ_CONNECTION_TIMEOUT"))
	if connTimeout != nil {
		config.ConnectionTimeout = *connTimeout
	}

	broker, err := rabbitmq.NewBroker(ctx, config, logger)
	if err != nil {
		panic(fmt.Errorf("open rabbitmq connection: %w", err))
	}

	return broker
}

func MustInitNATSBroker(logger log.Logger) *nats.Broker {
	config := &nats.Config{
		URL: env.Must(env.Parse[string]("NATS_URL")),
	}
	ackWait := env.Must(env.ParseOptional[time.Duration]("NATS_ACK_WAIT"))
	if ackWait != nil {
		config.AckWait = *ackWait
	}

	broker, err := nats.NewBroker(config, logger)
	if err != nil {
		panic(fmt.Errorf("open nats connection: %w", err))
	}

	return broker
}
