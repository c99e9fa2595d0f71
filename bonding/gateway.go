// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bonding

import (
	"github.com/luxfi/ids"
)

// DutyGateway is the committee registry's restricted view of the
// ledger. It is handed out once at wiring time; holding it is the
// caller-identity check for ticket consumption.
type DutyGateway struct {
	l *Ledger
}

// DutyGateway returns the registry-facing gateway.
func (l *Ledger) DutyGateway() *DutyGateway {
	return &DutyGateway{l: l}
}

// ConsumeTicket burns the operator's oldest available ticket for
// taskID and returns its ID.
func (g *DutyGateway) ConsumeTicket(operator ids.NodeID, taskID ids.ID) (ids.ID, error) {
	return g.l.useTicket(operator, taskID)
}

// SnapshotBalances returns the available-ticket count of every
// registered operator. The committee registry pins this snapshot at
// request time so sortition validation is deterministic and
// front-run-resistant.
func (g *DutyGateway) SnapshotBalances() map[ids.NodeID]uint32 {
	g.l.mu.Lock()
	defer g.l.mu.Unlock()

	snapshot := make(map[ids.NodeID]uint32, len(g.l.operators))
	for node, op := range g.l.operators {
		if !op.Registered {
			continue
		}
		available, err := g.l.availableTickets(op)
		if err != nil {
			continue
		}
		snapshot[node] = available
	}
	return snapshot
}

// SlashGateway is the slashing manager's restricted view of the
// ledger. Collateral debits saturate to the available amount and never
// fail on insufficiency.
type SlashGateway struct {
	l *Ledger
}

// SlashGateway returns the slasher-facing gateway.
func (l *Ledger) SlashGateway() *SlashGateway {
	return &SlashGateway{l: l}
}

// SlashTickets debits up to amount from the operator's ticket
// collateral, continuing into pending exits. Returns the amount
// actually slashed.
func (g *SlashGateway) SlashTickets(operator ids.NodeID, amount uint64, reason uint8) (uint64, error) {
	return g.l.slashTickets(operator, amount, reason)
}

// SlashLicense debits up to amount from the operator's license bond,
// continuing into pending exits. Returns the amount actually slashed.
func (g *SlashGateway) SlashLicense(operator ids.NodeID, amount uint64, reason uint8) (uint64, error) {
	return g.l.slashLicense(operator, amount, reason)
}

// OperatorAddress returns the payment/signing address the operator
// licensed with. The slashing manager checks Lane A signatures against
// it.
func (g *SlashGateway) OperatorAddress(operator ids.NodeID) (ids.ShortID, error) {
	g.l.mu.Lock()
	defer g.l.mu.Unlock()

	op := g.l.operators[operator]
	if op == nil {
		return ids.ShortEmpty, ErrOperatorNotFound
	}
	return op.Address, nil
}
