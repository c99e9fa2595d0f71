// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package slashing

import (
	"errors"

	"github.com/luxfi/ids"
)

var (
	ErrPolicyNotFound    = errors.New("slash policy not found")
	ErrPolicyDisabled    = errors.New("slash policy disabled")
	ErrPolicyProofWindow = errors.New("proof policy must have no appeal window")
	ErrPolicyNoVerifier  = errors.New("proof policy must reference a verifier")
	ErrPolicyNeedsWindow = errors.New("evidence policy must have an appeal window")
	ErrPolicyZeroPenalty = errors.New("policy must carry a non-zero penalty")
)

// Policy configures one slash reason. Proof policies (Lane A) execute
// atomically with no appeal window; evidence policies (Lane B) wait
// out an appeal window before execution.
type Policy struct {
	Reason         uint8  `serialize:"true" json:"reason"`
	TicketPenalty  uint64 `serialize:"true" json:"ticketPenalty"`
	LicensePenalty uint64 `serialize:"true" json:"licensePenalty"`
	RequiresProof  bool   `serialize:"true" json:"requiresProof"`
	Verifier       ids.ID `serialize:"true" json:"verifier"`

	// AppealWindow is the evidence-lane appeal window in seconds.
	AppealWindow uint64 `serialize:"true" json:"appealWindow"`

	Enabled          bool  `serialize:"true" json:"enabled"`
	BanNode          bool  `serialize:"true" json:"banNode"`
	AffectsCommittee bool  `serialize:"true" json:"affectsCommittee"`
	FailureReason    uint8 `serialize:"true" json:"failureReason"`
}

// Validate checks the policy's internal consistency.
func (p *Policy) Validate() error {
	switch {
	case p.TicketPenalty == 0 && p.LicensePenalty == 0:
		return ErrPolicyZeroPenalty
	case p.RequiresProof && p.AppealWindow != 0:
		return ErrPolicyProofWindow
	case p.RequiresProof && p.Verifier == ids.Empty:
		return ErrPolicyNoVerifier
	case !p.RequiresProof && p.AppealWindow == 0:
		return ErrPolicyNeedsWindow
	}
	return nil
}
