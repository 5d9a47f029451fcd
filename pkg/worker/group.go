package worker

import (
	"context"
	"sync"
)

type Group interface {
	Do(ErrorJob)
	Wait() error
}

type group struct {
	ctx                 context.Context
	ctxCancel           context.CancelFunc
	cancelCtxAfterError bool

	errChan   chan error
	errResult error
	pool      Pool
	ownsPool  bool
	wg        *sync.WaitGroup

	onceCloser *sync.Once
}

// WithinFailFastGroup cancels the jobs context after the first error.
func WithinFailFastGroup(ctx context.Context, pool Pool) Group {
	return newGroup(ctx, pool, true)
}

// WithinFailSafeGroup keeps running other jobs after an error, Wait returns the first one.
func WithinFailSafeGroup(ctx context.Context, pool Pool) Group {
	return newGroup(ctx, pool, false)
}

func NewFailFastGroup(ctx context.Context) Group {
	g := newGroup(ctx, NewPool(MaxWorkersCountUnlimited), true)
	g.ownsPool = true
	return g
}

func newGroup(ctx context.Context, pool Pool, failFast bool) *group {
	ctx, ctxCancel := context.WithCancel(ctx)
	return &group{
		ctx:                 ctx,
		ctxCancel:           ctxCancel,
		cancelCtxAfterError: failFast,
		errChan:             make(chan error, 1),
		pool:                pool,
		wg:                  &sync.WaitGroup{},
		onceCloser:          &sync.Once{},
	}
}

func (g *group) Do(job ErrorJob) {
	g.wg.Add(1)
	err := g.pool.Do(g.ctx, func(ctx context.Context) {
		defer g.wg.Done()
		g.handleErr(job(ctx))
	})
	if err != nil {
		g.wg.Done()
		g.handleErr(err)
	}
}

func (g *group) handleErr(err error) {
	if err == nil {
		return
	}

	select {
	case g.errChan <- err:
		if g.cancelCtxAfterError {
			g.ctxCancel()
		}
	default:
	}
}

func (g *group) Wait() error {
	g.wg.Wait()
	g.onceCloser.Do(func() {
		g.ctxCancel()
		if g.ownsPool {
			g.pool.Release()
		}

		select {
		case g.errResult = <-g.errChan:
		default:
		}
	})

	return g.errResult
}
