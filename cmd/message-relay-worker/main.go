package main

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/internal/config"
	"github.com/klwxsrx/go-stream-binder/internal/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/internal/relay"
	pkgcmd "github.com/klwxsrx/go-stream-binder/pkg/cmd"
)

func main() {
	ctx := context.Background()
	infra := cmd.NewInfrastructureContainer(ctx)
	defer infra.Close(ctx)

	sink := infra.Binder.MustLoad()
	if sink.Kind == cmd.BinderSQL {
		panic(fmt.Errorf("relay sink must be an external binder, got %s", sink.Kind))
	}
	source := infra.MustInitBinder(cmd.BinderSQL)

	defaults, err := config.Parse(nil)
	if err != nil {
		panic(err)
	}

	registry := infra.MustInitRegistry(source, sink, defaults, nil)
	relay.NewDependencyContainer().MustRegisterMessageHandlers(registry)

	workers, err := registry.Workers(ctx)
	if err != nil {
		panic(err)
	}

	pkgcmd.MustRun(ctx, infra.Logger.MustLoad(), append(
		workers,
		infra.HTTPServer.MustLoad().Listener,
		pkgcmd.TermSignalAwaiter,
	)...)
}
