// Package prometrics backs the observability metric ports with Prometheus
// vectors registered on the default registerer.
package prometrics

import (
	"sync"

	"github.com/gamekeys/backend/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry hands out named instruments, registering each vector exactly once.
type Registry interface {
	Counter(name, help string, labelKeys ...string) observability.Counter
	Histogram(name, help string, buckets []float64, labelKeys ...string) observability.Histogram
}

type registry struct {
	namespace  string
	subsystem  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func New(namespace, subsystem string) Registry {
	return &registry{
		namespace:  namespace,
		subsystem:  subsystem,
		registerer: prometheus.DefaultRegisterer,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *registry) Counter(name, help string, labelKeys ...string) observability.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	cv, ok := r.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help,
		}, labelKeys)
		r.registerer.MustRegister(cv)
		r.counters[name] = cv
	}
	return counter{vec: cv}
}

func (r *registry) Histogram(name, help string, buckets []float64, labelKeys ...string) observability.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	hv, ok := r.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help, Buckets: buckets,
		}, labelKeys)
		r.registerer.MustRegister(hv)
		r.histograms[name] = hv
	}
	return histogram{vec: hv}
}

type counter struct{ vec *prometheus.CounterVec }

func (c counter) Add(delta float64, labels ...observability.Label) {
	c.vec.With(toPromLabels(labels)).Add(delta)
}

func (c counter) Bind(labels ...observability.Label) observability.BoundCounter {
	return boundCounter{inner: c.vec.With(toPromLabels(labels))}
}

type boundCounter struct{ inner prometheus.Counter }

func (b boundCounter) Add(delta float64) {
	if b.inner != nil {
		b.inner.Add(delta)
	}
}

type histogram struct{ vec *prometheus.HistogramVec }

func (h histogram) Observe(value float64, labels ...observability.Label) {
	h.vec.With(toPromLabels(labels)).Observe(value)
}

func (h histogram) Bind(labels ...observability.Label) observability.BoundHistogram {
	return boundHistogram{inner: h.vec.With(toPromLabels(labels))}
}

type boundHistogram struct{ inner prometheus.Observer }

func (b boundHistogram) Observe(value float64) {
	if b.inner != nil {
		b.inner.Observe(value)
	}
}

func toPromLabels(ls []observability.Label) prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}
