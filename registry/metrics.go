package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what a Cache does. Caches built without a registerer use
// unregistered collectors.
type Metrics struct {
	Constructions prometheus.Counter
	Failures      prometheus.Counter
	Destroyed     prometheus.Counter
	Live          prometheus.Gauge
}

// NewMetrics builds the collectors for the cache called name and registers
// them on reg when it is not nil.
func NewMetrics(name string, reg prometheus.Registerer) (*Metrics, error) {
	var (
		labels = prometheus.Labels{"cache": name}
		m      = &Metrics{
			Constructions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "mxreg",
				Subsystem:   "registry_cache",
				Name:        "constructions_total",
				Help:        "Registry handles constructed.",
				ConstLabels: labels,
			}),
			Failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "mxreg",
				Subsystem:   "registry_cache",
				Name:        "construction_failures_total",
				Help:        "Registry handle constructions that failed.",
				ConstLabels: labels,
			}),
			Destroyed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "mxreg",
				Subsystem:   "registry_cache",
				Name:        "destroyed_total",
				Help:        "Registry handles closed by the cache.",
				ConstLabels: labels,
			}),
			Live: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace:   "mxreg",
				Subsystem:   "registry_cache",
				Name:        "live",
				Help:        "Registry handles currently cached.",
				ConstLabels: labels,
			}),
		}
	)

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.Constructions, m.Failures, m.Destroyed, m.Live} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
