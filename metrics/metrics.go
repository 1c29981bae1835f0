// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exports the coordinator's prometheus metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/spatial/conflict"
	"github.com/luxfi/spatial/consensus"
	utilmetric "github.com/luxfi/spatial/utils/metric"
	"github.com/luxfi/spatial/utils/wrappers"
)

const (
	typeLabel     = "type"
	outcomeLabel  = "outcome"
	strategyLabel = "strategy"
)

// Metrics is the set of coordinator metrics.
type Metrics struct {
	proposals      *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	resolved       *prometheus.CounterVec
	duplicateVotes prometheus.Counter
	rollbacks      prometheus.Counter
	consensusTime  utilmetric.Averager

	efficiency  prometheus.Gauge
	utilization prometheus.Gauge
	entities    prometheus.Gauge
	active      prometheus.Gauge
}

// New registers the coordinator metrics with reg under namespace. A nil
// reg leaves the metrics unregistered.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	errs := wrappers.Errs{}
	m := &Metrics{
		proposals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposals_finalized",
				Help:      "Number of finalized proposals by type and outcome",
			},
			[]string{typeLabel, outcomeLabel},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected",
				Help:      "Number of detected conflicts by type",
			},
			[]string{typeLabel},
		),
		resolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved",
				Help:      "Number of applied conflict resolutions by strategy",
			},
			[]string{strategyLabel},
		),
		duplicateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_votes",
			Help:      "Number of redelivered votes that were ignored",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks",
			Help:      "Number of approved plans that were rolled back",
		}),
		consensusTime: utilmetric.NewAveragerWithErrs(
			namespace,
			"consensus_time",
			"seconds from proposal to finalization",
			reg,
			&errs,
		),
		efficiency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spatial_efficiency",
			Help:      "Fraction of the workspace not covered by entity bounds",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_utilization",
			Help:      "Mean utilization across resource pools",
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Number of indexed entities",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proposals",
			Help:      "Number of proposals voting or queued on a lock",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.proposals,
			m.conflicts,
			m.resolved,
			m.duplicateVotes,
			m.rollbacks,
			m.efficiency,
			m.utilization,
			m.entities,
			m.active,
		} {
			if err := reg.Register(c); err != nil {
				errs.Add(fmt.Errorf("%w: %w", utilmetric.ErrFailedRegistering, err))
			}
		}
	}
	return m, errs.Err
}

// ObserveResult records a finalized proposal.
func (m *Metrics) ObserveResult(r consensus.Result) {
	m.proposals.WithLabelValues(string(r.Type), r.Outcome.String()).Inc()
	m.consensusTime.Observe(r.Duration.Seconds())
	if r.ExecutionErr != nil {
		m.rollbacks.Inc()
	}
}

// ObserveDuplicateVote records an ignored redelivery.
func (m *Metrics) ObserveDuplicateVote() {
	m.duplicateVotes.Inc()
}

// ObserveConflicts records a detection pass.
func (m *Metrics) ObserveConflicts(cs []conflict.Conflict) {
	for _, c := range cs {
		m.conflicts.WithLabelValues(string(c.Type)).Inc()
	}
}

// ObserveResolution records an applied resolution.
func (m *Metrics) ObserveResolution(r conflict.Resolution) {
	m.resolved.WithLabelValues(string(r.Strategy)).Inc()
}

// SetSpatial updates the state gauges.
func (m *Metrics) SetSpatial(efficiency, utilization float64, entities, active int) {
	m.efficiency.Set(efficiency)
	m.utilization.Set(utilization)
	m.entities.Set(float64(entities))
	m.active.Set(float64(active))
}

// ConsensusTime returns the mean seconds from proposal to finalization.
func (m *Metrics) ConsensusTime() float64 {
	return m.consensusTime.Mean()
}
