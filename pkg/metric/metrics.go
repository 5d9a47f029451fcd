package metric

import "time"

type (
	Metrics interface {
		With(Labels) Metrics
		WithLabel(key string, value any) Metrics
		Increment(name string)
		Duration(name string, d time.Duration)
	}

	Labels map[string]any
)

func (l Labels) merge(other Labels) Labels {
	result := make(Labels, len(l)+len(other))
	for k, v := range l {
		result[k] = v
	}
	for k, v := range other {
		result[k] = v
	}

	return result
}
