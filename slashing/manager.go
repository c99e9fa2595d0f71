// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package slashing is the policy-driven penalty engine. Lane A executes
// immediately on an invalid operator-signed proof; Lane B is slasher-
// submitted evidence that waits out an appeal window. The manager holds
// no collateral itself; it instructs the bonding ledger through its
// restricted gateway.
package slashing

import (
	"errors"
	"fmt"
	"sync"

	hashing "github.com/luxfi/crypto/hash"
	"github.com/luxfi/crypto/secp256k1"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
)

var (
	ErrNotSlasher           = errors.New("caller is not the designated slasher")
	ErrNotGovernance        = errors.New("caller is not governance")
	ErrNotAccused           = errors.New("caller is not the accused operator")
	ErrProposalNotFound     = errors.New("proposal not found")
	ErrDuplicateEvidence    = errors.New("duplicate evidence")
	ErrProofNotRequired     = errors.New("policy does not require proof")
	ErrProofRequired        = errors.New("policy requires proof")
	ErrVerifierMismatch     = errors.New("proof verifier does not match policy")
	ErrVerifierNotFound     = errors.New("proof verifier not registered")
	ErrChainMismatch        = errors.New("proof bound to another chain")
	ErrBadSignature         = errors.New("proof not signed by accused operator")
	ErrNotCommitteeMember   = errors.New("operator was not a committee member")
	ErrProofValid           = errors.New("proof verified successfully")
	ErrAlreadyExecuted      = errors.New("proposal already executed")
	ErrAppealWindowActive   = errors.New("appeal window still active")
	ErrAppealWindowClosed   = errors.New("appeal window closed")
	ErrNoAppealWindow       = errors.New("proof-lane proposals cannot be appealed")
	ErrAlreadyAppealed      = errors.New("proposal already appealed")
	ErrNotAppealed          = errors.New("proposal was not appealed")
	ErrAlreadyResolved      = errors.New("appeal already resolved")
	ErrAppealPending        = errors.New("appeal pending resolution")
	ErrAppealUpheld         = errors.New("appeal was upheld")
	ErrEmptyEvidence        = errors.New("empty evidence")

	policyPrefix   = []byte("pl:")
	proposalPrefix = []byte("pr:")
	banPrefix      = []byte("bn:")
)

// Collateral is the slasher's restricted view of the bonding ledger.
// Debits saturate and never fail on insufficiency.
type Collateral interface {
	SlashTickets(operator ids.NodeID, amount uint64, reason uint8) (uint64, error)
	SlashLicense(operator ids.NodeID, amount uint64, reason uint8) (uint64, error)
	OperatorAddress(operator ids.NodeID) (ids.ShortID, error)
}

// Committees is the slasher's restricted view of the committee
// registry.
type Committees interface {
	Expel(taskID ids.ID, operator ids.NodeID, reason uint8) (active, quorum uint32, err error)
	IsCommitteeMember(taskID ids.ID, operator ids.NodeID) bool
}

// ProofVerifier is the external proof oracle. It reports whether the
// proof is valid; Lane A punishes operators whose signed proofs are
// not.
type ProofVerifier interface {
	Verify(proof []byte, publicInputs []ids.ID) bool
}

// TaskCoordinator receives the task-failure signal when a slash drops
// committee membership below quorum.
type TaskCoordinator interface {
	OnTaskFailed(taskID ids.ID, reason uint8) error
}

// Manager runs the two-lane penalty protocol.
type Manager struct {
	mu   sync.Mutex
	cfg  config.Config
	db   database.Database
	log  log.Logger
	clk  *clock.Clock
	sink events.Sink

	collateral  Collateral
	committees  Committees
	coordinator TaskCoordinator

	slasher    ids.ShortID
	governance ids.ShortID

	verifiers map[ids.ID]ProofVerifier
	policies  map[uint8]*Policy
	proposals map[ids.ID]*Proposal

	// bans has its own lock: the bonding ledger consults IsBanned while
	// holding its own mutex, and the manager calls into the ledger while
	// holding mu. Lock order is mu -> ledger -> bansMu, never reversed.
	bansMu sync.RWMutex
	bans   set.Set[ids.NodeID]
}

// New creates a slashing manager backed by db. slasher is the only
// identity allowed to file Lane B evidence; governance resolves appeals
// and manages bans and policies.
func New(
	cfg config.Config,
	db database.Database,
	logger log.Logger,
	clk *clock.Clock,
	sink events.Sink,
	collateral Collateral,
	committees Committees,
	slasher ids.ShortID,
	governance ids.ShortID,
) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		db:         db,
		log:        logger,
		clk:        clk,
		sink:       sink,
		collateral: collateral,
		committees: committees,
		slasher:    slasher,
		governance: governance,
		verifiers:  make(map[ids.ID]ProofVerifier),
		policies:   make(map[uint8]*Policy),
		proposals:  make(map[ids.ID]*Proposal),
		bans:       set.NewSet[ids.NodeID](0),
	}
	if err := m.loadState(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadState() error {
	iter := m.db.NewIteratorWithPrefix(policyPrefix)
	for iter.Next() {
		p := &Policy{}
		if _, err := Codec.Unmarshal(iter.Value(), p); err != nil {
			iter.Release()
			return fmt.Errorf("failed to unmarshal policy: %w", err)
		}
		m.policies[p.Reason] = p
	}
	if err := iter.Error(); err != nil {
		iter.Release()
		return err
	}
	iter.Release()

	iter = m.db.NewIteratorWithPrefix(proposalPrefix)
	for iter.Next() {
		p := &Proposal{}
		if _, err := Codec.Unmarshal(iter.Value(), p); err != nil {
			iter.Release()
			return fmt.Errorf("failed to unmarshal proposal: %w", err)
		}
		m.proposals[p.ID] = p
	}
	if err := iter.Error(); err != nil {
		iter.Release()
		return err
	}
	iter.Release()

	iter = m.db.NewIteratorWithPrefix(banPrefix)
	defer iter.Release()
	for iter.Next() {
		node, err := ids.ToNodeID(iter.Key()[len(banPrefix):])
		if err != nil {
			return fmt.Errorf("failed to parse ban key: %w", err)
		}
		m.bans.Add(node)
	}
	return iter.Error()
}

// SetTaskCoordinator wires the external task-coordination component.
func (m *Manager) SetTaskCoordinator(c TaskCoordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator = c
}

// RegisterVerifier wires a proof oracle under its reference id.
// Verifiers are runtime collaborators and are not persisted.
func (m *Manager) RegisterVerifier(id ids.ID, v ProofVerifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifiers[id] = v
}

// SetPolicy installs or replaces the policy for its reason code.
// Governance only; in-flight proposals are unaffected because they
// snapshot policy behavior at creation.
func (m *Manager) SetPolicy(caller ids.ShortID, policy Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.governance {
		return ErrNotGovernance
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	p := policy
	m.policies[p.Reason] = &p
	return m.storePolicy(&p)
}

// GetPolicy returns a copy of the policy for reason.
func (m *Manager) GetPolicy(reason uint8) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[reason]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return *p, nil
}

// ProposeSlash is Lane A: permissionless, proof-backed, atomic. The
// proof must be operator-signed, bound to this chain and task, and must
// fail re-verification through the policy's oracle; an invalid signed
// proof is what confirms the fault. Executes in the same call.
func (m *Manager) ProposeSlash(
	proposer ids.ShortID,
	taskID ids.ID,
	operator ids.NodeID,
	reason uint8,
	proof *Proof,
) (ids.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[reason]
	switch {
	case !ok:
		return ids.Empty, ErrPolicyNotFound
	case !policy.Enabled:
		return ids.Empty, ErrPolicyDisabled
	case !policy.RequiresProof:
		return ids.Empty, ErrProofNotRequired
	}

	evidenceHash := proof.EvidenceHash()
	id := proposalID(taskID, operator, evidenceHash)
	if _, ok := m.proposals[id]; ok {
		return ids.Empty, ErrDuplicateEvidence
	}

	if proof.Verifier != policy.Verifier {
		return ids.Empty, ErrVerifierMismatch
	}
	if proof.ChainID != m.cfg.ChainID {
		return ids.Empty, ErrChainMismatch
	}

	addr, err := m.collateral.OperatorAddress(operator)
	if err != nil {
		return ids.Empty, err
	}
	pub, err := secp256k1.RecoverPublicKeyFromHash(proof.Digest(taskID), proof.Signature)
	if err != nil {
		return ids.Empty, fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	if pub.Address() != addr {
		return ids.Empty, ErrBadSignature
	}

	if !m.committees.IsCommitteeMember(taskID, operator) {
		return ids.Empty, ErrNotCommitteeMember
	}

	verifier, ok := m.verifiers[policy.Verifier]
	if !ok {
		return ids.Empty, ErrVerifierNotFound
	}
	if verifier.Verify(proof.Payload, proof.PublicInputs) {
		return ids.Empty, ErrProofValid
	}

	now := m.clk.Unix()
	p := &Proposal{
		ID:               id,
		TaskID:           taskID,
		Operator:         operator,
		Reason:           reason,
		Proposer:         proposer,
		EvidenceHash:     evidenceHash,
		TicketAmount:     policy.TicketPenalty,
		LicenseAmount:    policy.LicensePenalty,
		BanNode:          policy.BanNode,
		AffectsCommittee: policy.AffectsCommittee,
		FailureReason:    policy.FailureReason,
		ProposedAt:       now,
		ExecutableAt:     now,
		ProofVerified:    true,
	}
	m.proposals[id] = p
	if err := m.storeProposal(p); err != nil {
		return ids.Empty, err
	}

	m.log.Info("proof-lane slash proposed",
		"proposalID", id,
		"taskID", taskID,
		"operator", operator,
		"reason", reason,
	)
	m.sink.Emit(events.SlashProposed{
		ProposalID: id,
		TaskID:     taskID,
		Operator:   operator,
		Reason:     reason,
		ProofLane:  true,
	})
	if err := m.execute(p); err != nil {
		return ids.Empty, err
	}
	return id, nil
}

// ProposeSlashEvidence is Lane B: the designated slasher files evidence
// that becomes executable after the policy's appeal window. Policy
// behavior is snapshotted onto the proposal here.
func (m *Manager) ProposeSlashEvidence(
	proposer ids.ShortID,
	taskID ids.ID,
	operator ids.NodeID,
	reason uint8,
	evidence []byte,
) (ids.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proposer != m.slasher {
		return ids.Empty, ErrNotSlasher
	}
	if len(evidence) == 0 {
		return ids.Empty, ErrEmptyEvidence
	}

	policy, ok := m.policies[reason]
	switch {
	case !ok:
		return ids.Empty, ErrPolicyNotFound
	case !policy.Enabled:
		return ids.Empty, ErrPolicyDisabled
	case policy.RequiresProof:
		return ids.Empty, ErrProofRequired
	}

	evidenceHash := hashing.ComputeHash256Array(evidence)
	id := proposalID(taskID, operator, evidenceHash)
	if _, ok := m.proposals[id]; ok {
		return ids.Empty, ErrDuplicateEvidence
	}

	executableAt, err := m.clk.Deadline(policy.AppealWindow)
	if err != nil {
		return ids.Empty, err
	}
	p := &Proposal{
		ID:               id,
		TaskID:           taskID,
		Operator:         operator,
		Reason:           reason,
		Proposer:         proposer,
		EvidenceHash:     evidenceHash,
		TicketAmount:     policy.TicketPenalty,
		LicenseAmount:    policy.LicensePenalty,
		BanNode:          policy.BanNode,
		AffectsCommittee: policy.AffectsCommittee,
		FailureReason:    policy.FailureReason,
		ProposedAt:       m.clk.Unix(),
		ExecutableAt:     executableAt,
	}
	m.proposals[id] = p
	if err := m.storeProposal(p); err != nil {
		return ids.Empty, err
	}

	m.log.Info("evidence-lane slash proposed",
		"proposalID", id,
		"taskID", taskID,
		"operator", operator,
		"reason", reason,
		"executableAt", executableAt,
	)
	m.sink.Emit(events.SlashProposed{
		ProposalID: id,
		TaskID:     taskID,
		Operator:   operator,
		Reason:     reason,
	})
	return id, nil
}

// FileAppeal lets the accused operator contest a Lane B proposal before
// it becomes executable. One appeal per proposal. A banned or
// deregistered operator may still appeal; the appeal concerns past
// conduct, not current standing.
func (m *Manager) FileAppeal(caller ids.ShortID, proposalID ids.ID, evidence []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(evidence) == 0 {
		return ErrEmptyEvidence
	}
	p, ok := m.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	if p.ProofVerified {
		return ErrNoAppealWindow
	}
	if p.Executed {
		return ErrAlreadyExecuted
	}
	addr, err := m.collateral.OperatorAddress(p.Operator)
	if err != nil {
		return err
	}
	if caller != addr {
		return ErrNotAccused
	}
	if m.clk.Unix() >= p.ExecutableAt {
		return ErrAppealWindowClosed
	}
	if p.Appealed {
		return ErrAlreadyAppealed
	}

	p.Appealed = true
	p.AppealEvidence = hashing.ComputeHash256Array(evidence)
	if err := m.storeProposal(p); err != nil {
		return err
	}

	m.log.Info("appeal filed", "proposalID", proposalID, "operator", p.Operator)
	m.sink.Emit(events.AppealFiled{ProposalID: proposalID, Operator: p.Operator})
	return nil
}

// ResolveAppeal records governance's verdict. An upheld appeal
// permanently blocks execution; a denied appeal clears the way once
// the window has passed.
func (m *Manager) ResolveAppeal(caller ids.ShortID, proposalID ids.ID, upheld bool, resolution []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.governance {
		return ErrNotGovernance
	}
	p, ok := m.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	if !p.Appealed {
		return ErrNotAppealed
	}
	if p.Resolved {
		return ErrAlreadyResolved
	}

	p.Resolved = true
	p.AppealUpheld = upheld
	if len(resolution) > 0 {
		p.Resolution = hashing.ComputeHash256Array(resolution)
	}
	if err := m.storeProposal(p); err != nil {
		return err
	}

	m.log.Info("appeal resolved", "proposalID", proposalID, "upheld", upheld)
	m.sink.Emit(events.AppealResolved{
		ProposalID: proposalID,
		Operator:   p.Operator,
		Upheld:     upheld,
	})
	return nil
}

// ExecuteSlash executes a Lane B proposal once its appeal window has
// passed and no appeal stands in the way. Callable by anyone.
func (m *Manager) ExecuteSlash(proposalID ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	switch {
	case p.Executed:
		return ErrAlreadyExecuted
	case m.clk.Unix() < p.ExecutableAt:
		return ErrAppealWindowActive
	case p.Appealed && !p.Resolved:
		return ErrAppealPending
	case p.Resolved && p.AppealUpheld:
		return ErrAppealUpheld
	}
	return m.execute(p)
}

// execute applies the proposal's snapshotted penalty. Callers hold
// m.mu. The penalty is final once the collateral debits land; failures
// in downstream expulsion or task-failure signaling never unwind it.
func (m *Manager) execute(p *Proposal) error {
	ticketSlashed, err := m.collateral.SlashTickets(p.Operator, p.TicketAmount, p.Reason)
	if err != nil {
		return err
	}
	licenseSlashed, err := m.collateral.SlashLicense(p.Operator, p.LicenseAmount, p.Reason)
	if err != nil {
		return err
	}

	p.Executed = true
	if err := m.storeProposal(p); err != nil {
		return err
	}

	if p.BanNode {
		if err := m.setBan(p.Operator, true); err != nil {
			m.log.Warn("ban persistence failed", "operator", p.Operator, "error", err)
		}
	}

	if p.AffectsCommittee {
		active, quorum, err := m.committees.Expel(p.TaskID, p.Operator, p.Reason)
		switch {
		case err != nil:
			m.log.Warn("committee expulsion failed",
				"taskID", p.TaskID,
				"operator", p.Operator,
				"error", err,
			)
		case active < quorum:
			m.signalTaskFailure(p.TaskID, p.FailureReason)
		}
	}

	m.log.Info("slash executed",
		"proposalID", p.ID,
		"operator", p.Operator,
		"ticketSlashed", ticketSlashed,
		"licenseSlashed", licenseSlashed,
	)
	m.sink.Emit(events.SlashExecuted{
		ProposalID:     p.ID,
		Operator:       p.Operator,
		TicketSlashed:  ticketSlashed,
		LicenseSlashed: licenseSlashed,
	})
	return nil
}

func (m *Manager) signalTaskFailure(taskID ids.ID, reason uint8) {
	if m.coordinator == nil {
		return
	}
	if err := m.coordinator.OnTaskFailed(taskID, reason); err != nil {
		m.log.Warn("task failure signal failed", "taskID", taskID, "error", err)
	}
}

// SetBan flips the governance-reversible ban flag for an operator.
func (m *Manager) SetBan(caller ids.ShortID, operator ids.NodeID, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.governance {
		return ErrNotGovernance
	}
	return m.setBan(operator, banned)
}

func (m *Manager) setBan(operator ids.NodeID, banned bool) error {
	m.bansMu.Lock()
	changed := m.bans.Contains(operator) != banned
	if banned {
		m.bans.Add(operator)
	} else {
		m.bans.Remove(operator)
	}
	m.bansMu.Unlock()
	if !changed {
		return nil
	}

	var err error
	if banned {
		err = m.db.Put(banKey(operator), []byte{1})
	} else {
		err = m.db.Delete(banKey(operator))
	}
	if err != nil {
		return err
	}

	m.log.Info("ban updated", "operator", operator, "banned", banned)
	m.sink.Emit(events.BanUpdated{Operator: operator, Banned: banned})
	return nil
}

// IsBanned reports whether the operator is banned. Safe to call from
// the bonding ledger while it holds its own lock.
func (m *Manager) IsBanned(operator ids.NodeID) bool {
	m.bansMu.RLock()
	defer m.bansMu.RUnlock()
	return m.bans.Contains(operator)
}

// GetProposal returns a copy of the proposal record.
func (m *Manager) GetProposal(proposalID ids.ID) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return *p, nil
}

func (m *Manager) storePolicy(p *Policy) error {
	data, err := Codec.Marshal(codecVersion, p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	return m.db.Put(policyKey(p.Reason), data)
}

func (m *Manager) storeProposal(p *Proposal) error {
	data, err := Codec.Marshal(codecVersion, p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}
	return m.db.Put(append(proposalPrefix, p.ID[:]...), data)
}

func policyKey(reason uint8) []byte {
	return append(policyPrefix, reason)
}

func banKey(operator ids.NodeID) []byte {
	return append(banPrefix, operator[:]...)
}
