package message

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/internal/config"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	pkgmessage "github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

// HandlerRegistry registers handlers for the bindings declared in the bindings config,
// handlers without a declared binding are skipped.
type HandlerRegistry struct {
	registry *pkgmessage.Registry
	bindings *config.Config
	logger   log.Logger
}

func NewHandlerRegistry(
	registry *pkgmessage.Registry,
	bindings *config.Config,
	logger log.Logger,
) *HandlerRegistry {
	return &HandlerRegistry{
		registry: registry,
		bindings: bindings,
		logger:   logger,
	}
}

func (r *HandlerRegistry) Register(name string, handler pkgmessage.Handler) error {
	b, ok, err := r.binding(name)
	if !ok || err != nil {
		return err
	}

	return r.registry.Register(b, handler)
}

func (r *HandlerRegistry) RegisterBatch(name string, handler pkgmessage.BatchHandler) error {
	b, ok, err := r.binding(name)
	if !ok || err != nil {
		return err
	}

	return r.registry.RegisterBatch(b, handler)
}

func (r *HandlerRegistry) MustRegister(name string, handler pkgmessage.Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(fmt.Errorf("register %s message handler: %w", name, err))
	}
}

func (r *HandlerRegistry) MustRegisterBatch(name string, handler pkgmessage.BatchHandler) {
	if err := r.RegisterBatch(name, handler); err != nil {
		panic(fmt.Errorf("register %s batch message handler: %w", name, err))
	}
}

// Output returns the output destination configured for the binding.
func (r *HandlerRegistry) Output(name string) (pkgmessage.Topic, bool) {
	b, err := r.bindings.Binding(name)
	if err != nil || b.Output == "" {
		return "", false
	}

	return b.Output, true
}

func (r *HandlerRegistry) Workers(ctx context.Context) ([]worker.ErrorJob, error) {
	return r.registry.Workers(ctx)
}

func (r *HandlerRegistry) binding(name string) (pkgmessage.Binding, bool, error) {
	if !r.bindings.Has(name) {
		r.logger.WithField("binding", name).Debug(context.Background(), "binding is not configured, handler skipped")
		return pkgmessage.Binding{}, false, nil
	}

	b, err := r.bindings.Binding(name)
	return b, true, err
}
