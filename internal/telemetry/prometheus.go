package telemetry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "tabletop"

// Prometheus exports Add keys as counters and Store keys as gauges. Metric
// families are created lazily the first time a key is seen.
type Prometheus struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewPrometheus registers collectors on the provided registry, creating a
// fresh one when nil.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Prometheus{
		registry: registry,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Registry returns the registry backing the exporter.
func (p *Prometheus) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

func (p *Prometheus) Add(key string, delta uint64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	counter, ok := p.counters[key]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      sanitizeMetricName(key),
			Help:      "Counter for " + key + ".",
		})
		if err := p.registry.Register(counter); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if c, ok := existing.ExistingCollector.(prometheus.Counter); ok {
					counter = c
				}
			}
		}
		p.counters[key] = counter
	}
	p.mu.Unlock()
	counter.Add(float64(delta))
}

func (p *Prometheus) Store(key string, value uint64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	gauge, ok := p.gauges[key]
	if !ok {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      sanitizeMetricName(key),
			Help:      "Gauge for " + key + ".",
		})
		if err := p.registry.Register(gauge); err != nil {
			if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if g, ok := existing.ExistingCollector.(prometheus.Gauge); ok {
					gauge = g
				}
			}
		}
		p.gauges[key] = gauge
	}
	p.mu.Unlock()
	gauge.Set(float64(value))
}

func sanitizeMetricName(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
