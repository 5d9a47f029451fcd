package lazy

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Loader builds a value on first use and shares it afterwards.
type Loader[T any] interface {
	MustLoad() T
	Load() (T, error)
	// IfLoaded calls f only when the value was built successfully, it never triggers loading.
	IfLoaded(f func(T))
}

type loader[T any] struct {
	provider func() (T, error)
	once     sync.Once
	loaded   atomic.Bool
	value    T
	err      error
}

func New[T any](provider func() (T, error)) Loader[T] {
	return &loader[T]{provider: provider}
}

// Value wraps an already built value.
func Value[T any](v T) Loader[T] {
	l := &loader[T]{value: v}
	l.once.Do(func() {})
	l.loaded.Store(true)
	return l
}

func (l *loader[T]) MustLoad() T {
	value, err := l.Load()
	if err != nil {
		panic(err)
	}

	return value
}

func (l *loader[T]) Load() (T, error) {
	l.once.Do(func() {
		value, err := l.provider()
		if err != nil {
			l.err = fmt.Errorf("load value of %T: %w", l.value, err)
			return
		}

		l.value = value
		l.loaded.Store(true)
	})

	return l.value, l.err
}

func (l *loader[T]) IfLoaded(f func(T)) {
	if l.loaded.Load() {
		f(l.value)
	}
}
