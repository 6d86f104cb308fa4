package collection

import (
	"time"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "collectionfs"

// Collector is a prometheus.Collector with the store and policy metrics of all collections.
type Collector struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	rejections *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_operations_total",
				Help:      "The number of store operations by result (ok or error kind).",
			}, []string{"collection", "store", "op", "result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_retries_total",
				Help:      "The number of failed attempts that were retried.",
			}, []string{"collection", "store", "op"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "policy_rejections_total",
				Help:      "The number of files rejected by the policy.",
			}, []string{"collection", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "store_operation_duration_seconds",
				Help:      "The duration of store operations including retries.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 20, 60, 300},
			}, []string{"collection", "store", "op"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.retries.Describe(ch)
	c.rejections.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.retries.Collect(ch)
	c.rejections.Collect(ch)
	c.duration.Collect(ch)
}

// registerCollector registers a new Collector. Several collections share one registry,
// so an already registered Collector is reused.
func registerCollector(reg prometheus.Registerer) (*Collector, error) {
	c := NewCollector()
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*Collector); ok {
				return existing, nil
			}
		}
		return nil, errors.Annotate(err, "register metrics")
	}
	return c, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func (c *Collector) observe(collection, store, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = interf.KindOf(err).String()
	}
	c.operations.WithLabelValues(collection, store, op, result).Inc()
	c.duration.WithLabelValues(collection, store, op).Observe(time.Since(start).Seconds())
}

func (c *Collector) retry(collection, store, op string) {
	c.retries.WithLabelValues(collection, store, op).Inc()
}

func (c *Collector) reject(collection string, err error) {
	var pe *interf.PolicyError
	if errors.As(err, &pe) {
		c.rejections.WithLabelValues(collection, string(pe.Reason)).Inc()
	}
}
