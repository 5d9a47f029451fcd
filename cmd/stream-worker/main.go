package main

import (
	"context"

	"github.com/klwxsrx/go-stream-binder/internal/batch"
	"github.com/klwxsrx/go-stream-binder/internal/composition"
	"github.com/klwxsrx/go-stream-binder/internal/dynamic"
	"github.com/klwxsrx/go-stream-binder/internal/errorhandling"
	"github.com/klwxsrx/go-stream-binder/internal/manualack"
	"github.com/klwxsrx/go-stream-binder/internal/order"
	"github.com/klwxsrx/go-stream-binder/internal/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/internal/queuename"
	"github.com/klwxsrx/go-stream-binder/internal/sensor"
	pkgcmd "github.com/klwxsrx/go-stream-binder/pkg/cmd"
)

func main() {
	ctx := context.Background()
	infra := cmd.NewInfrastructureContainer(ctx)
	defer infra.Close(ctx)

	errorHandling := errorhandling.NewDependencyContainer(infra.Logger)
	sensors := sensor.NewDependencyContainer(infra.Producer, infra.Logger)

	registry := infra.MustInitMessageRegistry(errorHandling.ErrorSinks.MustLoad())
	errorHandling.MustRegisterMessageHandlers(registry)
	sensors.MustRegisterMessageHandlers(registry)
	manualack.NewDependencyContainer(infra.Logger).MustRegisterMessageHandlers(registry)
	queuename.NewDependencyContainer(infra.Logger).MustRegisterMessageHandlers(registry)
	order.NewDependencyContainer(infra.Producer, infra.Logger).MustRegisterMessageHandlers(registry)
	batch.NewDependencyContainer(infra.Logger).MustRegisterMessageHandlers(registry)
	dynamic.NewDependencyContainer(infra.Producer, infra.Logger).MustRegisterMessageHandlers(registry)
	composition.NewDependencyContainer(infra.Logger).MustRegisterMessageHandlers(registry)

	workers, err := registry.Workers(ctx)
	if err != nil {
		panic(err)
	}

	pkgcmd.MustRun(ctx, infra.Logger.MustLoad(), append(
		append(workers, sensors.Jobs()...),
		infra.HTTPServer.MustLoad().Listener,
		pkgcmd.TermSignalAwaiter,
	)...)
}
