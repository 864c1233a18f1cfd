// Package observability assembles the telemetry ports into one provider
// handed to the application services.
package observability

import (
	"github.com/gamekeys/backend/internal/observability"
)

type telemetry struct {
	tracer     observability.Tracer
	logger     observability.Logger
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

// New wires a tracer, a logger and pre-registered instruments together.
// Nil arguments and unknown metric keys degrade to no-ops rather than
// failing, so partial telemetry setups stay usable.
func New(
	tracer observability.Tracer,
	logger observability.Logger,
	counters map[observability.MetricKey]observability.Counter,
	histograms map[observability.MetricKey]observability.Histogram,
) observability.Observability {
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &telemetry{
		tracer:     tracer,
		logger:     logger,
		counters:   counters,
		histograms: histograms,
	}
}

func (t *telemetry) Tracer() observability.Tracer { return t.tracer }

func (t *telemetry) Logger() observability.Logger { return t.logger }

func (t *telemetry) Metrics() observability.Metrics { return t }

func (t *telemetry) Counter(name observability.MetricKey) observability.Counter {
	if c := t.counters[name]; c != nil {
		return c
	}
	return observability.NopCounter()
}

func (t *telemetry) Histogram(name observability.MetricKey) observability.Histogram {
	if h := t.histograms[name]; h != nil {
		return h
	}
	return observability.NopHistogram()
}
