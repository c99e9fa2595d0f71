// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package slashing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/crypto/secp256k1"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
)

const (
	reasonBadProof     = 1
	reasonUnavailable  = 2
	taskFailureOffline = 7
)

type fakeCollateral struct {
	addrs          map[ids.NodeID]ids.ShortID
	ticketAvail    map[ids.NodeID]uint64
	ticketSlashed  map[ids.NodeID]uint64
	licenseSlashed map[ids.NodeID]uint64
}

func newFakeCollateral() *fakeCollateral {
	return &fakeCollateral{
		addrs:          make(map[ids.NodeID]ids.ShortID),
		ticketAvail:    make(map[ids.NodeID]uint64),
		ticketSlashed:  make(map[ids.NodeID]uint64),
		licenseSlashed: make(map[ids.NodeID]uint64),
	}
}

func (f *fakeCollateral) SlashTickets(operator ids.NodeID, amount uint64, _ uint8) (uint64, error) {
	if avail, ok := f.ticketAvail[operator]; ok {
		if amount > avail {
			amount = avail
		}
		f.ticketAvail[operator] = avail - amount
	}
	f.ticketSlashed[operator] += amount
	return amount, nil
}

func (f *fakeCollateral) SlashLicense(operator ids.NodeID, amount uint64, _ uint8) (uint64, error) {
	f.licenseSlashed[operator] += amount
	return amount, nil
}

func (f *fakeCollateral) OperatorAddress(operator ids.NodeID) (ids.ShortID, error) {
	addr, ok := f.addrs[operator]
	if !ok {
		return ids.ShortEmpty, errors.New("operator not found")
	}
	return addr, nil
}

type fakeCommittees struct {
	members  map[ids.ID][]ids.NodeID
	expelled map[ids.NodeID]bool
	quorum   uint32
}

func newFakeCommittees(quorum uint32) *fakeCommittees {
	return &fakeCommittees{
		members:  make(map[ids.ID][]ids.NodeID),
		expelled: make(map[ids.NodeID]bool),
		quorum:   quorum,
	}
}

func (f *fakeCommittees) IsCommitteeMember(taskID ids.ID, operator ids.NodeID) bool {
	for _, node := range f.members[taskID] {
		if node == operator {
			return true
		}
	}
	return false
}

func (f *fakeCommittees) Expel(taskID ids.ID, operator ids.NodeID, _ uint8) (uint32, uint32, error) {
	if !f.IsCommitteeMember(taskID, operator) || f.expelled[operator] {
		return 0, 0, errors.New("not a committee member")
	}
	f.expelled[operator] = true
	active := uint32(0)
	for _, node := range f.members[taskID] {
		if !f.expelled[node] {
			active++
		}
	}
	return active, f.quorum, nil
}

type fakeVerifier struct {
	valid bool
}

func (f *fakeVerifier) Verify([]byte, []ids.ID) bool {
	return f.valid
}

type fakeCoordinator struct {
	failed map[ids.ID]uint8
	err    error
}

func (f *fakeCoordinator) OnTaskFailed(taskID ids.ID, reason uint8) error {
	if f.failed == nil {
		f.failed = make(map[ids.ID]uint8)
	}
	f.failed[taskID] = reason
	return f.err
}

type slashEnv struct {
	mgr        *Manager
	collateral *fakeCollateral
	committees *fakeCommittees
	verifier   *fakeVerifier
	clk        *clock.Clock
	cfg        config.Config

	slasher    ids.ShortID
	governance ids.ShortID
	verifierID ids.ID

	operatorKey *secp256k1.PrivateKey
	operator    ids.NodeID
	taskID      ids.ID
}

func newSlashEnv(t *testing.T) *slashEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ChainID = ids.GenerateTestID()

	clk := &clock.Clock{}
	clk.Set(time.Unix(1_000_000, 0))

	collateral := newFakeCollateral()
	committees := newFakeCommittees(2)
	verifier := &fakeVerifier{valid: false}

	env := &slashEnv{
		collateral: collateral,
		committees: committees,
		verifier:   verifier,
		clk:        clk,
		cfg:        cfg,
		slasher:    ids.GenerateTestShortID(),
		governance: ids.GenerateTestShortID(),
		verifierID: ids.GenerateTestID(),
		taskID:     ids.GenerateTestID(),
	}

	env.operatorKey = secp256k1.TestKeys()[0]
	env.operator = ids.GenerateTestNodeID()
	collateral.addrs[env.operator] = env.operatorKey.PublicKey().Address()
	collateral.ticketAvail[env.operator] = 1 << 40
	committees.members[env.taskID] = []ids.NodeID{
		env.operator,
		ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(),
	}

	mgr, err := New(
		cfg, memdb.New(), log.NoLog{}, clk, events.NoopSink{},
		collateral, committees, env.slasher, env.governance,
	)
	require.NoError(t, err)
	env.mgr = mgr

	mgr.RegisterVerifier(env.verifierID, verifier)
	require.NoError(t, mgr.SetPolicy(env.governance, Policy{
		Reason:           reasonBadProof,
		TicketPenalty:    50,
		LicensePenalty:   10,
		RequiresProof:    true,
		Verifier:         env.verifierID,
		Enabled:          true,
		BanNode:          true,
		AffectsCommittee: true,
		FailureReason:    taskFailureOffline,
	}))
	require.NoError(t, mgr.SetPolicy(env.governance, Policy{
		Reason:         reasonUnavailable,
		TicketPenalty:  30,
		LicensePenalty: 0,
		AppealWindow:   3600,
		Enabled:        true,
	}))
	return env
}

// signedProof builds a Lane A proof signed by key over the bound
// digest.
func (e *slashEnv) signedProof(t *testing.T, key *secp256k1.PrivateKey) *Proof {
	t.Helper()
	p := &Proof{
		Verifier:     e.verifierID,
		ChainID:      e.cfg.ChainID,
		Kind:         1,
		Payload:      []byte("malformed decryption share proof"),
		PublicInputs: []ids.ID{ids.GenerateTestID()},
	}
	sig, err := key.SignHash(p.Digest(e.taskID))
	require.NoError(t, err)
	p.Signature = sig
	return p
}

func TestSetPolicyGovernanceOnly(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)

	err := env.mgr.SetPolicy(ids.GenerateTestShortID(), Policy{
		Reason: 9, TicketPenalty: 1, AppealWindow: 60, Enabled: true,
	})
	require.ErrorIs(err, ErrNotGovernance)

	err = env.mgr.SetPolicy(env.governance, Policy{
		Reason: 9, RequiresProof: true, TicketPenalty: 1,
		Verifier: ids.GenerateTestID(), AppealWindow: 60,
	})
	require.ErrorIs(err, ErrPolicyProofWindow)

	err = env.mgr.SetPolicy(env.governance, Policy{
		Reason: 9, RequiresProof: true, TicketPenalty: 1,
	})
	require.ErrorIs(err, ErrPolicyNoVerifier)

	err = env.mgr.SetPolicy(env.governance, Policy{
		Reason: 9, TicketPenalty: 1,
	})
	require.ErrorIs(err, ErrPolicyNeedsWindow)

	err = env.mgr.SetPolicy(env.governance, Policy{
		Reason: 9, AppealWindow: 60,
	})
	require.ErrorIs(err, ErrPolicyZeroPenalty)
}

func TestProofLaneExecutesAtomically(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	proof := env.signedProof(t, env.operatorKey)

	id, err := env.mgr.ProposeSlash(ids.GenerateTestShortID(), env.taskID, env.operator, reasonBadProof, proof)
	require.NoError(err)

	p, err := env.mgr.GetProposal(id)
	require.NoError(err)
	require.True(p.ProofVerified)
	require.True(p.Executed)

	require.Equal(uint64(50), env.collateral.ticketSlashed[env.operator])
	require.Equal(uint64(10), env.collateral.licenseSlashed[env.operator])
	require.True(env.mgr.IsBanned(env.operator))
	require.True(env.committees.expelled[env.operator])

	// Same evidence replayed, same or different reason: rejected.
	_, err = env.mgr.ProposeSlash(ids.GenerateTestShortID(), env.taskID, env.operator, reasonBadProof, proof)
	require.ErrorIs(err, ErrDuplicateEvidence)
}

func TestProofLaneValidation(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	anyone := ids.GenerateTestShortID()

	_, err := env.mgr.ProposeSlash(anyone, env.taskID, env.operator, 99, env.signedProof(t, env.operatorKey))
	require.ErrorIs(err, ErrPolicyNotFound)

	_, err = env.mgr.ProposeSlash(anyone, env.taskID, env.operator, reasonUnavailable, env.signedProof(t, env.operatorKey))
	require.ErrorIs(err, ErrProofNotRequired)

	proof := env.signedProof(t, env.operatorKey)
	proof.Verifier = ids.GenerateTestID()
	_, err = env.mgr.ProposeSlash(anyone, env.taskID, env.operator, reasonBadProof, proof)
	require.ErrorIs(err, ErrVerifierMismatch)

	proof = env.signedProof(t, env.operatorKey)
	proof.ChainID = ids.GenerateTestID()
	_, err = env.mgr.ProposeSlash(anyone, env.taskID, env.operator, reasonBadProof, proof)
	require.ErrorIs(err, ErrChainMismatch)

	// Signed by someone other than the accused operator.
	proof = env.signedProof(t, secp256k1.TestKeys()[1])
	_, err = env.mgr.ProposeSlash(anyone, env.taskID, env.operator, reasonBadProof, proof)
	require.ErrorIs(err, ErrBadSignature)

	// Not a committee member for this task.
	otherTask := ids.GenerateTestID()
	proof = env.signedProof(t, env.operatorKey)
	sig, serr := env.operatorKey.SignHash(proof.Digest(otherTask))
	require.NoError(serr)
	proof.Signature = sig
	_, err = env.mgr.ProposeSlash(anyone, otherTask, env.operator, reasonBadProof, proof)
	require.ErrorIs(err, ErrNotCommitteeMember)

	// A proof that re-verifies as valid confirms no fault.
	env.verifier.valid = true
	_, err = env.mgr.ProposeSlash(anyone, env.taskID, env.operator, reasonBadProof, env.signedProof(t, env.operatorKey))
	require.ErrorIs(err, ErrProofValid)
	env.verifier.valid = false

	// No state leaked from the rejected attempts.
	require.Zero(env.collateral.ticketSlashed[env.operator])
	require.False(env.mgr.IsBanned(env.operator))
}

func TestEvidenceLaneLifecycle(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	evidence := []byte("missed three consecutive decryption duties")

	_, err := env.mgr.ProposeSlashEvidence(ids.GenerateTestShortID(), env.taskID, env.operator, reasonUnavailable, evidence)
	require.ErrorIs(err, ErrNotSlasher)

	_, err = env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonBadProof, evidence)
	require.ErrorIs(err, ErrProofRequired)

	id, err := env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, evidence)
	require.NoError(err)

	_, err = env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, evidence)
	require.ErrorIs(err, ErrDuplicateEvidence)

	err = env.mgr.ExecuteSlash(id)
	require.ErrorIs(err, ErrAppealWindowActive)
	require.Zero(env.collateral.ticketSlashed[env.operator])

	env.clk.Set(env.clk.Time().Add(2 * time.Hour))
	require.NoError(env.mgr.ExecuteSlash(id))
	require.Equal(uint64(30), env.collateral.ticketSlashed[env.operator])

	err = env.mgr.ExecuteSlash(id)
	require.ErrorIs(err, ErrAlreadyExecuted)
}

func TestAppealSafety(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	appeal := []byte("duty logs show the node was online")

	id, err := env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, []byte("ev"))
	require.NoError(err)

	operatorAddr := env.operatorKey.PublicKey().Address()

	require.ErrorIs(env.mgr.FileAppeal(ids.GenerateTestShortID(), id, appeal), ErrNotAccused)
	require.NoError(env.mgr.FileAppeal(operatorAddr, id, appeal))
	require.ErrorIs(env.mgr.FileAppeal(operatorAddr, id, appeal), ErrAlreadyAppealed)

	// Pending appeal blocks execution even after the window passes.
	env.clk.Set(env.clk.Time().Add(2 * time.Hour))
	require.ErrorIs(env.mgr.ExecuteSlash(id), ErrAppealPending)

	require.ErrorIs(env.mgr.ResolveAppeal(ids.GenerateTestShortID(), id, true, nil), ErrNotGovernance)
	require.NoError(env.mgr.ResolveAppeal(env.governance, id, true, []byte("verdict")))
	require.ErrorIs(env.mgr.ResolveAppeal(env.governance, id, true, nil), ErrAlreadyResolved)

	// An upheld appeal blocks execution permanently.
	require.ErrorIs(env.mgr.ExecuteSlash(id), ErrAppealUpheld)
	require.Zero(env.collateral.ticketSlashed[env.operator])
}

func TestAppealDeniedAllowsExecution(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)

	id, err := env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, []byte("ev"))
	require.NoError(err)

	operatorAddr := env.operatorKey.PublicKey().Address()
	require.NoError(env.mgr.FileAppeal(operatorAddr, id, []byte("appeal")))
	require.NoError(env.mgr.ResolveAppeal(env.governance, id, false, nil))

	// Still gated on the window itself.
	require.ErrorIs(env.mgr.ExecuteSlash(id), ErrAppealWindowActive)

	env.clk.Set(env.clk.Time().Add(2 * time.Hour))
	require.NoError(env.mgr.ExecuteSlash(id))
	require.Equal(uint64(30), env.collateral.ticketSlashed[env.operator])
}

func TestAppealWindowAndLaneRestrictions(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	operatorAddr := env.operatorKey.PublicKey().Address()

	// Lane A proposals are never appealable.
	laneA, err := env.mgr.ProposeSlash(ids.GenerateTestShortID(), env.taskID, env.operator, reasonBadProof, env.signedProof(t, env.operatorKey))
	require.NoError(err)
	require.ErrorIs(env.mgr.FileAppeal(operatorAddr, laneA, []byte("appeal")), ErrNoAppealWindow)

	// Lane B appeals close with the window.
	laneB, err := env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, []byte("ev"))
	require.NoError(err)
	env.clk.Set(env.clk.Time().Add(2 * time.Hour))
	require.ErrorIs(env.mgr.FileAppeal(operatorAddr, laneB, []byte("appeal")), ErrAppealWindowClosed)
}

// A policy change after proposal creation must not alter the pending
// proposal's effect.
func TestPolicySnapshotOnProposal(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)

	id, err := env.mgr.ProposeSlashEvidence(env.slasher, env.taskID, env.operator, reasonUnavailable, []byte("ev"))
	require.NoError(err)

	require.NoError(env.mgr.SetPolicy(env.governance, Policy{
		Reason:        reasonUnavailable,
		TicketPenalty: 999,
		BanNode:       true,
		AppealWindow:  3600,
		Enabled:       true,
	}))

	env.clk.Set(env.clk.Time().Add(2 * time.Hour))
	require.NoError(env.mgr.ExecuteSlash(id))
	require.Equal(uint64(30), env.collateral.ticketSlashed[env.operator])
	require.False(env.mgr.IsBanned(env.operator))
}

func TestQuorumLossSignalsTaskFailure(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	coordinator := &fakeCoordinator{}
	env.mgr.SetTaskCoordinator(coordinator)

	// Expel committee members until only the accused remains active:
	// slashing it drops active below quorum.
	for _, node := range env.committees.members[env.taskID][1:] {
		env.committees.expelled[node] = true
	}

	_, err := env.mgr.ProposeSlash(ids.GenerateTestShortID(), env.taskID, env.operator, reasonBadProof, env.signedProof(t, env.operatorKey))
	require.NoError(err)
	require.Equal(uint8(taskFailureOffline), coordinator.failed[env.taskID])
}

// A failing task-failure signal never unwinds the penalty.
func TestTaskFailureSignalErrorDoesNotUnwind(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)
	coordinator := &fakeCoordinator{err: errors.New("relay down")}
	env.mgr.SetTaskCoordinator(coordinator)
	for _, node := range env.committees.members[env.taskID][1:] {
		env.committees.expelled[node] = true
	}

	id, err := env.mgr.ProposeSlash(ids.GenerateTestShortID(), env.taskID, env.operator, reasonBadProof, env.signedProof(t, env.operatorKey))
	require.NoError(err)

	p, err := env.mgr.GetProposal(id)
	require.NoError(err)
	require.True(p.Executed)
	require.Equal(uint64(50), env.collateral.ticketSlashed[env.operator])
}

func TestGovernanceBanReversal(t *testing.T) {
	require := require.New(t)
	env := newSlashEnv(t)

	require.ErrorIs(env.mgr.SetBan(ids.GenerateTestShortID(), env.operator, true), ErrNotGovernance)
	require.NoError(env.mgr.SetBan(env.governance, env.operator, true))
	require.True(env.mgr.IsBanned(env.operator))
	require.NoError(env.mgr.SetBan(env.governance, env.operator, false))
	require.False(env.mgr.IsBanned(env.operator))
}

func TestManagerSurvivesReload(t *testing.T) {
	require := require.New(t)

	cfg := config.DefaultConfig()
	cfg.ChainID = ids.GenerateTestID()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_000_000, 0))
	db := memdb.New()
	collateral := newFakeCollateral()
	committees := newFakeCommittees(2)
	slasher := ids.GenerateTestShortID()
	governance := ids.GenerateTestShortID()

	operator := ids.GenerateTestNodeID()
	key := secp256k1.TestKeys()[0]
	collateral.addrs[operator] = key.PublicKey().Address()
	taskID := ids.GenerateTestID()

	mgr, err := New(cfg, db, log.NoLog{}, clk, events.NoopSink{}, collateral, committees, slasher, governance)
	require.NoError(err)
	require.NoError(mgr.SetPolicy(governance, Policy{
		Reason: reasonUnavailable, TicketPenalty: 30, AppealWindow: 3600, Enabled: true,
	}))
	id, err := mgr.ProposeSlashEvidence(slasher, taskID, operator, reasonUnavailable, []byte("ev"))
	require.NoError(err)
	require.NoError(mgr.SetBan(governance, operator, true))

	reloaded, err := New(cfg, db, log.NoLog{}, clk, events.NoopSink{}, collateral, committees, slasher, governance)
	require.NoError(err)

	require.True(reloaded.IsBanned(operator))
	p, err := reloaded.GetProposal(id)
	require.NoError(err)
	require.Equal(operator, p.Operator)
	require.Equal(uint64(30), p.TicketAmount)

	policy, err := reloaded.GetPolicy(reasonUnavailable)
	require.NoError(err)
	require.Equal(uint64(30), policy.TicketPenalty)

	// Replay protection survives restart.
	_, err = reloaded.ProposeSlashEvidence(slasher, taskID, operator, reasonUnavailable, []byte("ev"))
	require.ErrorIs(err, ErrDuplicateEvidence)
}
