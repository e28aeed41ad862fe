// Package metrics keeps the prometheus metrics of one coordinator.
//
// Every Set has its own registry, so that several coordinators in one process
// (as in tests) never share counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/giftline/recon/pkg/fault"
)

const namespace = "recon"

// Set is the set of metrics of a coordinator.
type Set struct {
	Registry *prometheus.Registry

	BatchesShipped prometheus.Counter
	BatchesApplied prometheus.Counter
	BatchesDropped prometheus.Counter
	OpsApplied     prometheus.Counter
	Faults         *prometheus.CounterVec
	Materialized   prometheus.Counter
	Recycled       prometheus.Counter
	Hydrations     prometheus.Counter
	Parked         prometheus.Gauge
}

// New creates a Set registered with a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	s := &Set{
		Registry: reg,
		BatchesShipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_shipped_total",
			Help: "Batches encoded by the authoring side.",
		}),
		BatchesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_applied_total",
			Help: "Batches applied by the presentation side.",
		}),
		BatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_dropped_total",
			Help: "Batches dropped for a superseded generation or out of order.",
		}),
		OpsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ops_applied_total",
			Help: "Patch operations applied.",
		}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "faults_total",
			Help: "Faults by kind.",
		}, []string{"kind"}),
		Materialized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "list_items_materialized_total",
			Help: "List items materialized from scratch.",
		}),
		Recycled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "list_items_recycled_total",
			Help: "List items revived from a recycle pool.",
		}),
		Hydrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "hydrations_total",
			Help: "Hydrations run, including targeted ones for revived items.",
		}),
		Parked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "parked_entries",
			Help: "Entries currently parked in recycle pools.",
		}),
	}
	for _, k := range fault.Kinds() {
		s.Faults.WithLabelValues(k.String())
	}
	return s
}

// ReportFault counts f. It has the signature of a fault.Reporter.
func (s *Set) ReportFault(f *fault.Fault) {
	s.Faults.WithLabelValues(f.Kind.String()).Inc()
}

// Values gathers the counters and gauges of s, keyed by metric name, with
// the label value in braces for labeled metrics.
func (s *Set) Values() (map[string]float64, error) {
	mfs, err := s.Registry.Gather()
	if err != nil {
		return nil, err
	}
	values := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if ls := m.GetLabel(); len(ls) > 0 {
				name += "{" + ls[0].GetValue() + "}"
			}
			if c := m.GetCounter(); c != nil {
				values[name] = c.GetValue()
			} else if g := m.GetGauge(); g != nil {
				values[name] = g.GetValue()
			}
		}
	}
	return values, nil
}
