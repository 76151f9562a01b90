// Package observability exposes the emulator's own operational metrics.
// These are additive instrumentation for the engine and deliberately live
// on a separate endpoint from the mimicked firmware surface.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles Prometheus metrics for the emulation engine.
type Collector struct {
	gatherer prometheus.Gatherer

	JunctionTemp   prometheus.Gauge
	ErrorRate      prometheus.Gauge
	SilencedUnit   prometheus.Gauge
	SharesGated    prometheus.Counter
	SharesAccepted prometheus.Counter
	NoncesDropped  prometheus.Counter
	APIRequests    *prometheus.CounterVec
}

// NewCollector registers engine metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	junctionTemp, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "asicsim_junction_temperature_celsius",
		Help: "Simulated junction temperature.",
	}))
	if err != nil {
		return nil, err
	}
	errorRate, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "asicsim_nonce_error_rate",
		Help: "Effective nonce error rate after degradation.",
	}))
	if err != nil {
		return nil, err
	}
	silencedUnit, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "asicsim_silenced_unit",
		Help: "Index of the board currently in its silence window.",
	}))
	if err != nil {
		return nil, err
	}

	sharesGated, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asicsim_shares_gated_total",
		Help: "Share submissions held back by the timing controller.",
	}))
	if err != nil {
		return nil, err
	}
	sharesAccepted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asicsim_shares_submitted_total",
		Help: "Share submissions released by the timing controller.",
	}))
	if err != nil {
		return nil, err
	}
	noncesDropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asicsim_nonces_dropped_total",
		Help: "Nonces dropped by the fault injector.",
	}))
	if err != nil {
		return nil, err
	}

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asicsim_api_requests_total",
		Help: "Handled telemetry API requests, labeled by path and status code.",
	}, []string{"path", "code"})
	apiRequests, err = registerCounterVec(reg, apiRequests)
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		JunctionTemp:   junctionTemp,
		ErrorRate:      errorRate,
		SilencedUnit:   silencedUnit,
		SharesGated:    sharesGated,
		SharesAccepted: sharesAccepted,
		NoncesDropped:  noncesDropped,
		APIRequests:    apiRequests,
	}, nil
}

// Handler serves the collector's registry over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if ok := asAlreadyRegistered(err, &are); ok {
			if existing, okCast := are.ExistingCollector.(prometheus.Gauge); okCast {
				return existing, nil
			}
		}
		return nil, err
	}

	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if ok := asAlreadyRegistered(err, &are); ok {
			if existing, okCast := are.ExistingCollector.(prometheus.Counter); okCast {
				return existing, nil
			}
		}
		return nil, err
	}

	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if ok := asAlreadyRegistered(err, &are); ok {
			if existing, okCast := are.ExistingCollector.(*prometheus.CounterVec); okCast {
				return existing, nil
			}
		}
		return nil, err
	}

	return vec, nil
}

func asAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		*target = are
		return true
	}

	return false
}
