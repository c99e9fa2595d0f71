// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events defines the lifecycle events emitted by the protocol
// core. Off-chain ciphernode tooling consumes these through the pubsub
// surface to drive committee participation.
package events

import (
	"github.com/luxfi/ids"
)

// Kind identifies an event type.
type Kind string

const (
	// Committee lifecycle
	KindCommitteeRequested Kind = "committee_requested"
	KindTicketSubmitted    Kind = "ticket_submitted"
	KindCommitteeFinalized Kind = "committee_finalized"
	KindCommitteePublished Kind = "committee_published"
	KindMemberExpelled     Kind = "member_expelled"

	// Bonding lifecycle
	KindLicenseAcquired  Kind = "license_acquired"
	KindLicenseRevoked   Kind = "license_revoked"
	KindTicketsPurchased Kind = "tickets_purchased"
	KindTicketToppedUp   Kind = "ticket_topped_up"
	KindTicketUsed       Kind = "ticket_used"
	KindTicketSlashed    Kind = "ticket_slashed"
	KindNodeActivated    Kind = "node_activated"
	KindNodeDeactivated  Kind = "node_deactivated"
	KindNodeRegistered   Kind = "node_registered"
	KindNodeDeregistered Kind = "node_deregistered"

	// Exit queue
	KindExitQueued  Kind = "exit_queued"
	KindExitClaimed Kind = "exit_claimed"
	KindExitSlashed Kind = "exit_slashed"

	// Slashing
	KindSlashProposed  Kind = "slash_proposed"
	KindSlashExecuted  Kind = "slash_executed"
	KindAppealFiled    Kind = "appeal_filed"
	KindAppealResolved Kind = "appeal_resolved"
	KindBanUpdated     Kind = "ban_updated"
)

// Event is a protocol lifecycle event. Node returns the operator the
// event concerns, or ids.EmptyNodeID for operator-independent events.
type Event interface {
	Kind() Kind
	Node() ids.NodeID
}

// Sink receives emitted events. Emit must not block and must not fail;
// event delivery is best-effort and never unwinds the operation that
// produced the event.
type Sink interface {
	Emit(Event)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(Event) {}

type CommitteeRequested struct {
	TaskID   ids.ID `json:"taskID"`
	Seed     ids.ID `json:"seed"`
	Quorum   uint32 `json:"quorum"`
	Max      uint32 `json:"max"`
	Deadline uint64 `json:"deadline"`
}

func (CommitteeRequested) Kind() Kind       { return KindCommitteeRequested }
func (CommitteeRequested) Node() ids.NodeID { return ids.EmptyNodeID }

type TicketSubmitted struct {
	TaskID       ids.ID     `json:"taskID"`
	Operator     ids.NodeID `json:"operator"`
	TicketNumber uint64     `json:"ticketNumber"`
	Score        ids.ID     `json:"score"`
	Retained     bool       `json:"retained"`
}

func (TicketSubmitted) Kind() Kind         { return KindTicketSubmitted }
func (e TicketSubmitted) Node() ids.NodeID { return e.Operator }

type CommitteeFinalized struct {
	TaskID  ids.ID       `json:"taskID"`
	Members []ids.NodeID `json:"members"`
}

func (CommitteeFinalized) Kind() Kind       { return KindCommitteeFinalized }
func (CommitteeFinalized) Node() ids.NodeID { return ids.EmptyNodeID }

type CommitteePublished struct {
	TaskID    ids.ID `json:"taskID"`
	PublicKey []byte `json:"publicKey"`
}

func (CommitteePublished) Kind() Kind       { return KindCommitteePublished }
func (CommitteePublished) Node() ids.NodeID { return ids.EmptyNodeID }

type MemberExpelled struct {
	TaskID   ids.ID     `json:"taskID"`
	Operator ids.NodeID `json:"operator"`
	Reason   uint8      `json:"reason"`
	Active   uint32     `json:"active"`
}

func (MemberExpelled) Kind() Kind         { return KindMemberExpelled }
func (e MemberExpelled) Node() ids.NodeID { return e.Operator }

type LicenseAcquired struct {
	Operator ids.NodeID `json:"operator"`
	Stake    uint64     `json:"stake"`
	Bond     uint64     `json:"bond"`
}

func (LicenseAcquired) Kind() Kind         { return KindLicenseAcquired }
func (e LicenseAcquired) Node() ids.NodeID { return e.Operator }

type LicenseRevoked struct {
	Operator ids.NodeID `json:"operator"`
	Refund   uint64     `json:"refund"`
}

func (LicenseRevoked) Kind() Kind         { return KindLicenseRevoked }
func (e LicenseRevoked) Node() ids.NodeID { return e.Operator }

type TicketsPurchased struct {
	Operator ids.NodeID `json:"operator"`
	Count    uint32     `json:"count"`
	Value    uint64     `json:"value"`
}

func (TicketsPurchased) Kind() Kind         { return KindTicketsPurchased }
func (e TicketsPurchased) Node() ids.NodeID { return e.Operator }

type TicketToppedUp struct {
	Operator ids.NodeID `json:"operator"`
	TicketID ids.ID     `json:"ticketID"`
	Amount   uint64     `json:"amount"`
	Revived  bool       `json:"revived"`
}

func (TicketToppedUp) Kind() Kind         { return KindTicketToppedUp }
func (e TicketToppedUp) Node() ids.NodeID { return e.Operator }

type TicketUsed struct {
	Operator ids.NodeID `json:"operator"`
	TicketID ids.ID     `json:"ticketID"`
	TaskID   ids.ID     `json:"taskID"`
}

func (TicketUsed) Kind() Kind         { return KindTicketUsed }
func (e TicketUsed) Node() ids.NodeID { return e.Operator }

type TicketSlashed struct {
	Operator ids.NodeID `json:"operator"`
	Reason   uint8      `json:"reason"`
	Amount   uint64     `json:"amount"`
}

func (TicketSlashed) Kind() Kind         { return KindTicketSlashed }
func (e TicketSlashed) Node() ids.NodeID { return e.Operator }

type NodeActivated struct {
	Operator ids.NodeID `json:"operator"`
}

func (NodeActivated) Kind() Kind         { return KindNodeActivated }
func (e NodeActivated) Node() ids.NodeID { return e.Operator }

type NodeDeactivated struct {
	Operator ids.NodeID `json:"operator"`
}

func (NodeDeactivated) Kind() Kind         { return KindNodeDeactivated }
func (e NodeDeactivated) Node() ids.NodeID { return e.Operator }

type NodeRegistered struct {
	Operator ids.NodeID `json:"operator"`
}

func (NodeRegistered) Kind() Kind         { return KindNodeRegistered }
func (e NodeRegistered) Node() ids.NodeID { return e.Operator }

type NodeDeregistered struct {
	Operator ids.NodeID `json:"operator"`
}

func (NodeDeregistered) Kind() Kind         { return KindNodeDeregistered }
func (e NodeDeregistered) Node() ids.NodeID { return e.Operator }

type ExitQueued struct {
	Operator      ids.NodeID `json:"operator"`
	UnlockTime    uint64     `json:"unlockTime"`
	TicketAmount  uint64     `json:"ticketAmount"`
	LicenseAmount uint64     `json:"licenseAmount"`
}

func (ExitQueued) Kind() Kind         { return KindExitQueued }
func (e ExitQueued) Node() ids.NodeID { return e.Operator }

type ExitClaimed struct {
	Operator      ids.NodeID `json:"operator"`
	TicketAmount  uint64     `json:"ticketAmount"`
	LicenseAmount uint64     `json:"licenseAmount"`
}

func (ExitClaimed) Kind() Kind         { return KindExitClaimed }
func (e ExitClaimed) Node() ids.NodeID { return e.Operator }

type ExitSlashed struct {
	Operator      ids.NodeID `json:"operator"`
	TicketAmount  uint64     `json:"ticketAmount"`
	LicenseAmount uint64     `json:"licenseAmount"`
}

func (ExitSlashed) Kind() Kind         { return KindExitSlashed }
func (e ExitSlashed) Node() ids.NodeID { return e.Operator }

type SlashProposed struct {
	ProposalID ids.ID     `json:"proposalID"`
	TaskID     ids.ID     `json:"taskID"`
	Operator   ids.NodeID `json:"operator"`
	Reason     uint8      `json:"reason"`
	ProofLane  bool       `json:"proofLane"`
}

func (SlashProposed) Kind() Kind         { return KindSlashProposed }
func (e SlashProposed) Node() ids.NodeID { return e.Operator }

type SlashExecuted struct {
	ProposalID     ids.ID     `json:"proposalID"`
	Operator       ids.NodeID `json:"operator"`
	TicketSlashed  uint64     `json:"ticketSlashed"`
	LicenseSlashed uint64     `json:"licenseSlashed"`
}

func (SlashExecuted) Kind() Kind         { return KindSlashExecuted }
func (e SlashExecuted) Node() ids.NodeID { return e.Operator }

type AppealFiled struct {
	ProposalID ids.ID     `json:"proposalID"`
	Operator   ids.NodeID `json:"operator"`
}

func (AppealFiled) Kind() Kind         { return KindAppealFiled }
func (e AppealFiled) Node() ids.NodeID { return e.Operator }

type AppealResolved struct {
	ProposalID ids.ID     `json:"proposalID"`
	Operator   ids.NodeID `json:"operator"`
	Upheld     bool       `json:"upheld"`
}

func (AppealResolved) Kind() Kind         { return KindAppealResolved }
func (e AppealResolved) Node() ids.NodeID { return e.Operator }

type BanUpdated struct {
	Operator ids.NodeID `json:"operator"`
	Banned   bool       `json:"banned"`
}

func (BanUpdated) Kind() Kind         { return KindBanUpdated }
func (e BanUpdated) Node() ids.NodeID { return e.Operator }
