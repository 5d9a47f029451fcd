package metric

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus registers collectors lazily: the label names of a metric are fixed by its first observation.
type Prometheus struct {
	registry  *prometheus.Registry
	namespace string

	mutex      *sync.Mutex
	counters   map[string]*collector[*prometheus.CounterVec]
	histograms map[string]*collector[*prometheus.HistogramVec]
}

type (
	collector[T any] struct {
		vec        T
		labelNames []string
	}

	prometheusMetrics struct {
		impl   *Prometheus
		labels Labels
	}
)

func NewPrometheus(namespace string) *Prometheus {
	return &Prometheus{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		mutex:      &sync.Mutex{},
		counters:   make(map[string]*collector[*prometheus.CounterVec]),
		histograms: make(map[string]*collector[*prometheus.HistogramVec]),
	}
}

func (p *Prometheus) Metrics() Metrics {
	return prometheusMetrics{impl: p}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *Prometheus) counter(name string, labels Labels) (prometheus.Counter, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	c, ok := p.counters[name]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
		}, names)
		if err := p.registry.Register(vec); err != nil {
			return nil, fmt.Errorf("register counter %s: %w", name, err)
		}

		c = &collector[*prometheus.CounterVec]{vec: vec, labelNames: names}
		p.counters[name] = c
	}

	return c.vec.With(labelValues(c.labelNames, labels)), nil
}

func (p *Prometheus) histogram(name string, labels Labels) (prometheus.Observer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	h, ok := p.histograms[name]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, names)
		if err := p.registry.Register(vec); err != nil {
			return nil, fmt.Errorf("register histogram %s: %w", name, err)
		}

		h = &collector[*prometheus.HistogramVec]{vec: vec, labelNames: names}
		p.histograms[name] = h
	}

	return h.vec.With(labelValues(h.labelNames, labels)), nil
}

func (m prometheusMetrics) With(labels Labels) Metrics {
	m.labels = m.labels.merge(labels)
	return m
}

func (m prometheusMetrics) WithLabel(key string, value any) Metrics {
	return m.With(Labels{key: value})
}

func (m prometheusMetrics) Increment(name string) {
	c, err := m.impl.counter(name, m.labels)
	if err != nil {
		return
	}

	c.Inc()
}

func (m prometheusMetrics) Duration(name string, d time.Duration) {
	h, err := m.impl.histogram(name, m.labels)
	if err != nil {
		return
	}

	h.Observe(d.Seconds())
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func labelValues(names []string, labels Labels) prometheus.Labels {
	result := make(prometheus.Labels, len(names))
	for _, name := range names {
		v, ok := labels[name]
		if !ok {
			result[name] = ""
			continue
		}
		result[name] = fmt.Sprint(v)
	}

	return result
}
