package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

const (
	MaxWorkersCountNumCPU    = -1
	MaxWorkersCountUnlimited = 0
)

type Pool interface {
	// Do blocks until a worker is available, then runs the job asynchronously.
	Do(ctx context.Context, job Job) error
	// Cap is the maximum number of concurrent jobs, negative when unlimited.
	Cap() int
	Wait()
	Release()
}

type pool struct {
	impl *ants.Pool
	jobs *sync.WaitGroup
}

func NewPool(maxWorkers int) Pool {
	if maxWorkers <= MaxWorkersCountNumCPU {
		maxWorkers = runtime.NumCPU()
	}

	opts := []ants.Option{ants.WithNonblocking(false)}
	if maxWorkers > MaxWorkersCountUnlimited {
		opts = append(opts, ants.WithPreAlloc(true))
	} else {
		maxWorkers = -1
	}

	impl, err := ants.NewPool(maxWorkers, opts...)
	if err != nil {
		panic(fmt.Errorf("create worker pool: %w", err))
	}

	return &pool{
		impl: impl,
		jobs: &sync.WaitGroup{},
	}
}

func (p *pool) Do(ctx context.Context, job Job) error {
	p.jobs.Add(1)
	err := p.impl.Submit(func() {
		defer p.jobs.Done()
		job(ctx)
	})
	if err != nil {
		p.jobs.Done()
		return fmt.Errorf("submit job: %w", err)
	}

	return nil
}

func (p *pool) Cap() int {
	return p.impl.Cap()
}

func (p *pool) Wait() {
	p.jobs.Wait()
}

func (p *pool) Release() {
	p.impl.Release()
}
