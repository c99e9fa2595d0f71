// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bonding

import (
	"math/bits"

	"github.com/luxfi/ids"

	safemath "github.com/luxfi/sortition/utils/math"
)

// Status is the lifecycle state of a ticket. Transitions are monotone:
// Active -> Inactive -> Burned, or Active -> Burned directly. The only
// backward edge is the explicit top-up resurrection of an Inactive
// ticket.
type Status uint8

const (
	StatusActive Status = iota
	StatusInactive
	StatusBurned
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusBurned:
		return "burned"
	default:
		return "unknown"
	}
}

// Ticket is an atomic collateral unit backing a single duty assignment.
// Invariant: SlashedAmount <= OriginalValue.
type Ticket struct {
	ID            ids.ID     `serialize:"true" json:"id"`
	Owner         ids.NodeID `serialize:"true" json:"owner"`
	CreatedAt     uint64     `serialize:"true" json:"createdAt"`
	OriginalValue uint64     `serialize:"true" json:"originalValue"`
	SlashedAmount uint64     `serialize:"true" json:"slashedAmount"`
	Status        Status     `serialize:"true" json:"status"`
	Used          bool       `serialize:"true" json:"used"`
}

// Remaining returns the unslashed value left on the ticket.
func (t *Ticket) Remaining() uint64 {
	return safemath.SatSub(t.OriginalValue, t.SlashedAmount)
}

// Available reports whether the ticket counts toward the owner's
// duty-readiness.
func (t *Ticket) Available() bool {
	return t.Status == StatusActive && !t.Used
}

// slashedBps returns the cumulative slash ratio in basis points.
func (t *Ticket) slashedBps() uint32 {
	if t.OriginalValue == 0 || t.SlashedAmount >= t.OriginalValue {
		return 10_000
	}
	hi, lo := bits.Mul64(t.SlashedAmount, 10_000)
	bps, _ := bits.Div64(hi, lo, t.OriginalValue)
	return uint32(bps)
}

// applySlash damages the ticket by up to amount and returns the damage
// actually applied, updating the status transition as damage accrues.
// inactiveBps is the near-exhaustion threshold above which an Active
// ticket flips to Inactive.
func (t *Ticket) applySlash(amount uint64, inactiveBps uint32) uint64 {
	if t.Status == StatusBurned {
		return 0
	}
	damage, _ := safemath.Take(amount, t.Remaining())
	t.SlashedAmount += damage

	switch {
	case t.Remaining() == 0:
		t.Status = StatusBurned
	case t.Status == StatusActive && t.slashedBps() >= inactiveBps:
		t.Status = StatusInactive
	}
	return damage
}
