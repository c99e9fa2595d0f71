// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics counts protocol activity. The implementation is an
// event sink: wire it next to the pubsub sink and every lifecycle
// event increments its counters.
package metrics

import (
	"errors"

	"github.com/luxfi/metric"

	"github.com/luxfi/sortition/events"
	"github.com/luxfi/sortition/utils/wrappers"
)

const (
	kindLabel = "kind"
	laneLabel = "lane"
)

var (
	_ Metrics = (*metricsImpl)(nil)

	kindLabels = []string{kindLabel}
	laneLabels = []string{laneLabel}
)

// Metrics observes protocol events and intercepts API calls.
type Metrics interface {
	metric.APIInterceptor
	events.Sink
}

type metricsImpl struct {
	numEvents metric.CounterVec

	numSubmissionsRetained metric.Counter
	numSubmissionsDropped  metric.Counter
	numTicketsMinted       metric.Counter
	amountTicketSlashed    metric.Counter
	amountExitClaimed      metric.Counter
	numProposals           metric.CounterVec
	numSlashesExecuted     metric.Counter

	metric.APIInterceptor
}

// New creates protocol metrics registered on registerer.
func New(registerer metric.Registerer) (Metrics, error) {
	registry, ok := registerer.(metric.Registry)
	if !ok {
		return nil, errors.New("registerer must implement metric.Registry")
	}

	m := &metricsImpl{
		numEvents: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "events",
				Help: "number of protocol lifecycle events by kind",
			},
			kindLabels,
		),
		numSubmissionsRetained: metric.NewCounter(metric.CounterOpts{
			Name: "sortition_submissions_retained",
			Help: "number of sortition submissions retained in a top-N pool",
		}),
		numSubmissionsDropped: metric.NewCounter(metric.CounterOpts{
			Name: "sortition_submissions_dropped",
			Help: "number of sortition submissions that did not make the cut",
		}),
		numTicketsMinted: metric.NewCounter(metric.CounterOpts{
			Name: "tickets_minted",
			Help: "number of duty tickets minted",
		}),
		amountTicketSlashed: metric.NewCounter(metric.CounterOpts{
			Name: "ticket_collateral_slashed",
			Help: "total ticket collateral seized by slashing",
		}),
		amountExitClaimed: metric.NewCounter(metric.CounterOpts{
			Name: "exit_collateral_claimed",
			Help: "total collateral claimed out of the exit queue",
		}),
		numProposals: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "slash_proposals",
				Help: "number of slash proposals by lane",
			},
			laneLabels,
		),
		numSlashesExecuted: metric.NewCounter(metric.CounterOpts{
			Name: "slashes_executed",
			Help: "number of executed slash proposals",
		}),
	}

	apiRequestMetric, err := metric.NewAPIInterceptor(registry)
	errs := wrappers.Errs{}
	errs.Add(err)
	m.APIInterceptor = apiRequestMetric
	return m, errs.Err
}

// Emit implements events.Sink.
func (m *metricsImpl) Emit(ev events.Event) {
	m.numEvents.With(metric.Labels{kindLabel: string(ev.Kind())}).Inc()

	switch e := ev.(type) {
	case events.TicketSubmitted:
		if e.Retained {
			m.numSubmissionsRetained.Inc()
		} else {
			m.numSubmissionsDropped.Inc()
		}
	case events.TicketsPurchased:
		m.numTicketsMinted.Add(float64(e.Count))
	case events.TicketSlashed:
		m.amountTicketSlashed.Add(float64(e.Amount))
	case events.ExitClaimed:
		m.amountExitClaimed.Add(float64(e.TicketAmount + e.LicenseAmount))
	case events.SlashProposed:
		lane := "evidence"
		if e.ProofLane {
			lane = "proof"
		}
		m.numProposals.With(metric.Labels{laneLabel: lane}).Inc()
	case events.SlashExecuted:
		m.numSlashesExecuted.Inc()
	}
}
