// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"github.com/luxfi/ids"
)

// SlashGateway is the slashing manager's restricted view of the
// registry. Holding it is the caller-identity check for expulsion.
type SlashGateway struct {
	r *Registry
}

// SlashGateway returns the slasher-facing gateway.
func (r *Registry) SlashGateway() *SlashGateway {
	return &SlashGateway{r: r}
}

// Expel removes the operator from the task's finalized committee and
// returns the remaining active count and the quorum threshold, so the
// caller can decide whether the task has failed.
func (g *SlashGateway) Expel(taskID ids.ID, operator ids.NodeID, reason uint8) (uint32, uint32, error) {
	return g.r.expel(taskID, operator, reason)
}

// IsCommitteeMember reports finalized-committee membership for
// proof-lane validation.
func (g *SlashGateway) IsCommitteeMember(taskID ids.ID, operator ids.NodeID) bool {
	return g.r.IsCommitteeMember(taskID, operator)
}
