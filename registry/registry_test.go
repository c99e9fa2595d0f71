// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
)

type fakeTickets struct {
	balances map[ids.NodeID]uint32
	consumed map[ids.NodeID]int
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{
		balances: make(map[ids.NodeID]uint32),
		consumed: make(map[ids.NodeID]int),
	}
}

func (f *fakeTickets) SnapshotBalances() map[ids.NodeID]uint32 {
	snapshot := make(map[ids.NodeID]uint32, len(f.balances))
	for node, n := range f.balances {
		snapshot[node] = n
	}
	return snapshot
}

func (f *fakeTickets) ConsumeTicket(operator ids.NodeID, _ ids.ID) (ids.ID, error) {
	if f.balances[operator] == 0 {
		return ids.Empty, errors.New("no tickets")
	}
	f.balances[operator]--
	f.consumed[operator]++
	return ids.GenerateTestID(), nil
}

func newTestRegistry(t *testing.T, db database.Database, tickets TicketSource) (*Registry, *clock.Clock) {
	t.Helper()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_000_000, 0))
	r, err := New(config.DefaultConfig(), db, log.NoLog{}, clk, events.NoopSink{}, tickets)
	require.NoError(t, err)
	return r, clk
}

func TestRequestCommitteePreconditions(t *testing.T) {
	require := require.New(t)
	r, _ := newTestRegistry(t, memdb.New(), newFakeTickets())
	taskID := ids.GenerateTestID()
	seed := ids.GenerateTestID()

	require.ErrorIs(r.RequestCommittee(taskID, seed, 0, 3, time.Minute), ErrBadThresholds)
	require.ErrorIs(r.RequestCommittee(taskID, seed, 3, 0, time.Minute), ErrBadThresholds)
	require.ErrorIs(r.RequestCommittee(taskID, seed, 4, 3, time.Minute), ErrBadThresholds)

	require.NoError(r.RequestCommittee(taskID, seed, 2, 3, time.Minute))
	require.ErrorIs(r.RequestCommittee(taskID, seed, 2, 3, time.Minute), ErrCommitteeExists)
}

func TestSubmitTicketValidation(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	op := ids.GenerateTestNodeID()
	tickets.balances[op] = 2
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	_, err := r.SubmitTicket(op, taskID, 1)
	require.ErrorIs(err, ErrCommitteeNotFound)

	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 1, 3, time.Minute))

	// Snapshot pinned at request time: a later balance change is invisible.
	tickets.balances[op] = 10

	_, err = r.SubmitTicket(op, taskID, 0)
	require.ErrorIs(err, ErrInvalidTicketNumber)
	_, err = r.SubmitTicket(op, taskID, 3)
	require.ErrorIs(err, ErrInvalidTicketNumber)
	_, err = r.SubmitTicket(ids.GenerateTestNodeID(), taskID, 1)
	require.ErrorIs(err, ErrInvalidTicketNumber)

	_, err = r.SubmitTicket(op, taskID, 1)
	require.NoError(err)
	_, err = r.SubmitTicket(op, taskID, 1)
	require.ErrorIs(err, ErrDuplicateSubmission)
	_, err = r.SubmitTicket(op, taskID, 2)
	require.NoError(err)

	clk.Set(clk.Time().Add(2 * time.Minute))
	_, err = r.SubmitTicket(op, taskID, 2)
	require.ErrorIs(err, ErrSubmissionWindowClosed)
}

func TestFinalizeCommitteeLifecycle(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	tickets.balances[a] = 1
	tickets.balances[b] = 1
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))

	_, err := r.SubmitTicket(a, taskID, 1)
	require.NoError(err)

	_, err = r.FinalizeCommittee(taskID)
	require.ErrorIs(err, ErrSubmissionWindowOpen)

	_, err = r.SubmitTicket(b, taskID, 1)
	require.NoError(err)

	clk.Set(clk.Time().Add(2 * time.Minute))
	final, err := r.FinalizeCommittee(taskID)
	require.NoError(err)
	require.Len(final, 2)
	require.Equal(1, tickets.consumed[a])
	require.Equal(1, tickets.consumed[b])

	_, err = r.FinalizeCommittee(taskID)
	require.ErrorIs(err, ErrCommitteeFinalized)
	_, err = r.SubmitTicket(a, taskID, 1)
	require.ErrorIs(err, ErrCommitteeFinalized)

	require.True(r.IsCommitteeMember(taskID, a))
	require.True(r.IsCommitteeMember(taskID, b))
	require.False(r.IsCommitteeMember(taskID, ids.GenerateTestNodeID()))
}

func TestFinalizeThresholdNotMet(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	a := ids.GenerateTestNodeID()
	tickets.balances[a] = 3
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))

	// Three entries, one operator: dedup leaves a single member.
	for n := uint64(1); n <= 3; n++ {
		_, err := r.SubmitTicket(a, taskID, n)
		require.NoError(err)
	}

	clk.Set(clk.Time().Add(2 * time.Minute))
	_, err := r.FinalizeCommittee(taskID)
	require.ErrorIs(err, ErrThresholdNotMet)
}

// An operator with several winning entries serves exactly once and
// spends exactly one ticket.
func TestFinalizeDeduplicatesOperator(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	tickets.balances[a] = 3
	tickets.balances[b] = 1
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))

	for n := uint64(1); n <= 3; n++ {
		_, err := r.SubmitTicket(a, taskID, n)
		require.NoError(err)
	}
	_, err := r.SubmitTicket(b, taskID, 1)
	require.NoError(err)

	clk.Set(clk.Time().Add(2 * time.Minute))
	final, err := r.FinalizeCommittee(taskID)
	require.NoError(err)

	occurrences := 0
	for _, node := range final {
		if node == a {
			occurrences++
		}
	}
	require.Equal(1, occurrences)
	require.Equal(1, tickets.consumed[a])
}

func TestFinalizationDeterminism(t *testing.T) {
	require := require.New(t)

	seed := ids.GenerateTestID()
	taskID := ids.GenerateTestID()
	operators := make([]ids.NodeID, 8)
	for i := range operators {
		operators[i] = ids.GenerateTestNodeID()
	}

	run := func() []ids.NodeID {
		tickets := newFakeTickets()
		for _, op := range operators {
			tickets.balances[op] = 2
		}
		r, clk := newTestRegistry(t, memdb.New(), tickets)
		require.NoError(r.RequestCommittee(taskID, seed, 2, 3, time.Minute))
		for _, op := range operators {
			for n := uint64(1); n <= 2; n++ {
				_, err := r.SubmitTicket(op, taskID, n)
				require.NoError(err)
			}
		}
		clk.Set(clk.Time().Add(2 * time.Minute))
		final, err := r.FinalizeCommittee(taskID)
		require.NoError(err)
		return final
	}

	require.Equal(run(), run())
}

func TestPublishCommittee(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	tickets.balances[a] = 1
	tickets.balances[b] = 1
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	key := []byte("aggregated-public-key")

	require.ErrorIs(r.PublishCommittee(taskID, nil, key), ErrCommitteeNotFound)

	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))
	require.ErrorIs(r.PublishCommittee(taskID, nil, key), ErrNotFinalized)

	_, err := r.SubmitTicket(a, taskID, 1)
	require.NoError(err)
	_, err = r.SubmitTicket(b, taskID, 1)
	require.NoError(err)
	clk.Set(clk.Time().Add(2 * time.Minute))
	final, err := r.FinalizeCommittee(taskID)
	require.NoError(err)

	require.ErrorIs(r.PublishCommittee(taskID, final, nil), ErrEmptyPublicKey)
	require.ErrorIs(r.PublishCommittee(taskID, final[:1], key), ErrCommitteeMismatch)
	require.ErrorIs(
		r.PublishCommittee(taskID, []ids.NodeID{final[0], ids.GenerateTestNodeID()}, key),
		ErrCommitteeMismatch,
	)
	// Same length and every element finalized, but not the same multiset.
	require.ErrorIs(
		r.PublishCommittee(taskID, []ids.NodeID{final[0], final[0]}, key),
		ErrCommitteeMismatch,
	)

	require.NoError(r.PublishCommittee(taskID, final, key))
	require.ErrorIs(r.PublishCommittee(taskID, final, key), ErrAlreadyPublished)

	c, err := r.GetCommittee(taskID)
	require.NoError(err)
	require.True(c.Published)
	require.Equal(key, c.PublicKey)
}

func TestExpelReturnsActiveAndQuorum(t *testing.T) {
	require := require.New(t)
	tickets := newFakeTickets()
	nodes := make([]ids.NodeID, 3)
	for i := range nodes {
		nodes[i] = ids.GenerateTestNodeID()
		tickets.balances[nodes[i]] = 1
	}
	r, clk := newTestRegistry(t, memdb.New(), tickets)

	taskID := ids.GenerateTestID()
	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))
	for _, node := range nodes {
		_, err := r.SubmitTicket(node, taskID, 1)
		require.NoError(err)
	}
	clk.Set(clk.Time().Add(2 * time.Minute))
	final, err := r.FinalizeCommittee(taskID)
	require.NoError(err)
	require.Len(final, 3)

	gw := r.SlashGateway()
	active, quorum, err := gw.Expel(taskID, final[0], 1)
	require.NoError(err)
	require.Equal(uint32(2), active)
	require.Equal(uint32(2), quorum)

	// Double expulsion and non-members are rejected.
	_, _, err = gw.Expel(taskID, final[0], 1)
	require.ErrorIs(err, ErrNotCommitteeMember)
	_, _, err = gw.Expel(taskID, ids.GenerateTestNodeID(), 1)
	require.ErrorIs(err, ErrNotCommitteeMember)

	// Expulsion does not erase past membership.
	require.True(gw.IsCommitteeMember(taskID, final[0]))

	active, _, err = gw.Expel(taskID, final[1], 1)
	require.NoError(err)
	require.Equal(uint32(1), active)
}

func TestMembershipLifecycle(t *testing.T) {
	require := require.New(t)
	r, _ := newTestRegistry(t, memdb.New(), newFakeTickets())

	a := ids.GenerateTestNodeID()

	require.ErrorIs(r.Disable(a), ErrCiphernodeNotEnabled)

	emptyRoot := r.Root()
	require.NoError(r.Enable(a))
	require.True(r.IsEnabled(a))
	require.NotEqual(emptyRoot, r.Root())

	// Enabling twice is a no-op.
	root := r.Root()
	require.NoError(r.Enable(a))
	require.Equal(root, r.Root())

	require.NoError(r.Disable(a))
	require.False(r.IsEnabled(a))
}

func TestRegistrySurvivesReload(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	tickets := newFakeTickets()
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	tickets.balances[a] = 1
	tickets.balances[b] = 1

	r, clk := newTestRegistry(t, db, tickets)
	require.NoError(r.Enable(a))
	require.NoError(r.Enable(b))
	require.NoError(r.Disable(b))
	root := r.Root()

	taskID := ids.GenerateTestID()
	require.NoError(r.RequestCommittee(taskID, ids.GenerateTestID(), 2, 3, time.Minute))
	_, err := r.SubmitTicket(a, taskID, 1)
	require.NoError(err)

	reloaded, err := New(config.DefaultConfig(), db, log.NoLog{}, clk, events.NoopSink{}, tickets)
	require.NoError(err)
	require.Equal(root, reloaded.Root())
	require.True(reloaded.IsEnabled(a))
	require.False(reloaded.IsEnabled(b))

	// The open committee and its submissions survive.
	_, err = reloaded.SubmitTicket(a, taskID, 1)
	require.ErrorIs(err, ErrDuplicateSubmission)
	_, err = reloaded.SubmitTicket(b, taskID, 1)
	require.NoError(err)

	clk.Set(clk.Time().Add(2 * time.Minute))
	final, err := reloaded.FinalizeCommittee(taskID)
	require.NoError(err)
	require.Len(final, 2)
}
