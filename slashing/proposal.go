// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package slashing

import (
	hashing "github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
)

// Proposal is one in-flight or executed penalty. Policy behavior
// (amounts, ban, committee effect, failure reason) is snapshotted here
// at creation, so a later policy change never alters a pending
// proposal's effect. Invariant: a proof-lane proposal is created
// executed and never appealable.
type Proposal struct {
	ID           ids.ID      `serialize:"true" json:"id"`
	TaskID       ids.ID      `serialize:"true" json:"taskID"`
	Operator     ids.NodeID  `serialize:"true" json:"operator"`
	Reason       uint8       `serialize:"true" json:"reason"`
	Proposer     ids.ShortID `serialize:"true" json:"proposer"`
	EvidenceHash ids.ID      `serialize:"true" json:"evidenceHash"`

	TicketAmount     uint64 `serialize:"true" json:"ticketAmount"`
	LicenseAmount    uint64 `serialize:"true" json:"licenseAmount"`
	BanNode          bool   `serialize:"true" json:"banNode"`
	AffectsCommittee bool   `serialize:"true" json:"affectsCommittee"`
	FailureReason    uint8  `serialize:"true" json:"failureReason"`

	ProposedAt    uint64 `serialize:"true" json:"proposedAt"`
	ExecutableAt  uint64 `serialize:"true" json:"executableAt"`
	ProofVerified bool   `serialize:"true" json:"proofVerified"`

	Executed       bool   `serialize:"true" json:"executed"`
	Appealed       bool   `serialize:"true" json:"appealed"`
	AppealEvidence ids.ID `serialize:"true" json:"appealEvidence"`
	Resolved       bool   `serialize:"true" json:"resolved"`
	AppealUpheld   bool   `serialize:"true" json:"appealUpheld"`
	Resolution     ids.ID `serialize:"true" json:"resolution"`
}

// proposalID derives the replay-protection key. It is reason-independent
// so the same evidence cannot be resubmitted under a different reason.
func proposalID(taskID ids.ID, operator ids.NodeID, evidenceHash ids.ID) ids.ID {
	buf := make([]byte, 0, len(taskID)+len(operator)+len(evidenceHash))
	buf = append(buf, taskID[:]...)
	buf = append(buf, operator[:]...)
	buf = append(buf, evidenceHash[:]...)
	return hashing.ComputeHash256Array(buf)
}

// Proof is the Lane A payload: an operator-signed proof that fails
// re-verification. The signature binds chain, task, proof kind, and
// the hashes of the proof and its public inputs, so evidence cannot be
// replayed across tasks or deployments.
type Proof struct {
	Verifier     ids.ID   `json:"verifier"`
	ChainID      ids.ID   `json:"chainID"`
	Kind         uint8    `json:"kind"`
	Payload      []byte   `json:"payload"`
	PublicInputs []ids.ID `json:"publicInputs"`

	// Signature is the operator's 65-byte recoverable signature over
	// Digest(taskID).
	Signature []byte `json:"signature"`
}

// Digest returns the hash the operator must have signed for taskID.
func (p *Proof) Digest(taskID ids.ID) []byte {
	inputs := make([]byte, 0, len(p.PublicInputs)*32)
	for _, in := range p.PublicInputs {
		inputs = append(inputs, in[:]...)
	}

	buf := make([]byte, 0, len(p.ChainID)+len(taskID)+1+2*hashing.HashLen)
	buf = append(buf, p.ChainID[:]...)
	buf = append(buf, taskID[:]...)
	buf = append(buf, p.Kind)
	buf = append(buf, hashing.ComputeHash256(p.Payload)...)
	buf = append(buf, hashing.ComputeHash256(inputs)...)
	return hashing.ComputeHash256(buf)
}

// EvidenceHash returns the replay-protection hash of the proof payload.
func (p *Proof) EvidenceHash() ids.ID {
	return hashing.ComputeHash256Array(p.Payload)
}
