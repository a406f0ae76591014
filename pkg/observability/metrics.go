package observability

import (
	"context"
	"errors"
	"strconv"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by graph events.
type Metrics struct {
	LinkStates         *prometheus.CounterVec
	Links              *prometheus.GaugeVec
	NegotiationFailure *prometheus.CounterVec
	Xruns              *prometheus.CounterVec
	XrunDelay          prometheus.Histogram
	Recalcs            prometheus.Counter
	RecalcDuration     prometheus.Histogram
	Groups             prometheus.Gauge
	Unassigned         prometheus.Gauge
	Quantum            *prometheus.GaugeVec
	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LinkStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_link_state_transitions_total",
			Help: "Link state transitions by target state.",
		}, []string{"state"}),
		Links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patchbay_links",
			Help: "Links per state in the last published snapshot.",
		}, []string{"state"}),
		NegotiationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_negotiation_failures_total",
			Help: "Links that failed negotiation, by the parameter that failed.",
		}, []string{"kind"}),
		Xruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_xruns_total",
			Help: "Missed deadlines per node.",
		}, []string{"node"}),
		XrunDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchbay_xrun_delay_seconds",
			Help:    "How late a node was when an xrun was detected.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		Recalcs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_recalcs_total",
			Help: "Graph recalculations.",
		}),
		RecalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchbay_recalc_duration_seconds",
			Help:    "Time spent in a graph recalculation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patchbay_driver_groups",
			Help: "Driver groups after the last recalculation.",
		}),
		Unassigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patchbay_unassigned_nodes",
			Help: "Nodes without a driver after the last recalculation.",
		}),
		Quantum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patchbay_group_quantum_frames",
			Help: "Quantum of each driver group.",
		}, []string{"driver"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_cycles_total",
			Help: "Completed cycles per driver.",
		}, []string{"driver"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchbay_cycle_interval_seconds",
			Help:    "Time between consecutive driver cycles.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
	}
	collectors := []prometheus.Collector{
		m.LinkStates, m.Links, m.NegotiationFailure, m.Xruns, m.XrunDelay, m.Recalcs,
		m.RecalcDuration, m.Groups, m.Unassigned, m.Quantum, m.Cycles, m.CycleDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func id(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// Hooks returns lifecycle hooks updating the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnLinkState: func(_ context.Context, e *domain.LinkEvent) {
			m.LinkStates.WithLabelValues(e.New.String()).Inc()
		},
		OnNegotiationFailed: func(_ context.Context, e *domain.LinkEvent) {
			kind := "other"
			var ne *domain.NegotiationError
			if errors.As(e.Err, &ne) {
				kind = ne.Param.String()
			}
			m.NegotiationFailure.WithLabelValues(kind).Inc()
		},
		OnXrun: func(_ context.Context, e *domain.XrunEvent) {
			m.Xruns.WithLabelValues(id(e.NodeID)).Inc()
			m.XrunDelay.Observe(e.Delay.Seconds())
		},
		OnRecalc: func(_ context.Context, e *domain.RecalcEvent) {
			m.Recalcs.Inc()
			m.RecalcDuration.Observe(e.Duration.Seconds())
			m.Groups.Set(float64(e.Groups))
			m.Unassigned.Set(float64(e.Unassigned))
		},
		OnQuantum: func(_ context.Context, e *domain.QuantumEvent) {
			m.Quantum.WithLabelValues(id(e.DriverID)).Set(float64(e.Quantum))
		},
		OnCycle: func(_ context.Context, e *domain.CycleEvent) {
			m.Cycles.WithLabelValues(id(e.DriverID)).Inc()
			m.CycleDuration.Observe(e.Elapsed.Seconds())
		},
	}
}

// Forget drops the per-node series of a removed node.
func (m *Metrics) Forget(nodeID uint32) {
	m.Xruns.DeleteLabelValues(id(nodeID))
	m.Quantum.DeleteLabelValues(id(nodeID))
	m.Cycles.DeleteLabelValues(id(nodeID))
}

// ObserveSnapshot refreshes the per-state link gauges.
func (m *Metrics) ObserveSnapshot(snap *domain.Snapshot) {
	counts := make(map[string]int, len(domain.LinkStates))
	for _, st := range domain.LinkStates {
		counts[st.String()] = 0
	}
	for _, l := range snap.Links {
		counts[l.State]++
	}
	for state, n := range counts {
		m.Links.WithLabelValues(state).Set(float64(n))
	}
}
