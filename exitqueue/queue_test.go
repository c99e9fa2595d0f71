// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package exitqueue

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/events"
)

const hour = 3600 // delay seconds

func newTestQueue(t *testing.T) (*Queue, *clock.Clock) {
	t.Helper()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_000_000, 0))
	return New(memdb.New(), log.NoLog{}, clk, events.NoopSink{}), clk
}

func TestEnqueueZeroIsNoOp(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 0, 0))

	tickets, license := q.PendingTotals(op)
	require.Zero(tickets)
	require.Zero(license)
}

func TestEnqueueMergesSameUnlockTime(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 100, 0))
	require.NoError(q.Enqueue(op, hour, 50, 25))

	// Same unlock second, so a single tranche should hold everything.
	tickets, license := q.PendingTotals(op)
	require.Equal(uint64(150), tickets)
	require.Equal(uint64(25), license)

	clk.Set(clk.Time().Add(time.Hour))
	ct, cl := q.PreviewClaimable(op)
	require.Equal(uint64(150), ct)
	require.Equal(uint64(25), cl)
}

func TestEnqueueTimestampOverflow(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	err := q.Enqueue(op, math.MaxUint64, 1, 0)
	require.ErrorIs(err, ErrTimestampOverflow)

	// Overflow is fatal to that call only; the queue stays usable.
	require.NoError(q.Enqueue(op, hour, 1, 0))
	tickets, _ := q.PendingTotals(op)
	require.Equal(uint64(1), tickets)
}

func TestClaimRespectsTimeLock(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 100, 10))

	// Nothing claimable before the unlock.
	tickets, license, err := q.Claim(op, 100, 10)
	require.NoError(err)
	require.Zero(tickets)
	require.Zero(license)

	clk.Set(clk.Time().Add(2 * time.Hour))
	tickets, license, err = q.Claim(op, 100, 10)
	require.NoError(err)
	require.Equal(uint64(100), tickets)
	require.Equal(uint64(10), license)

	tickets, license = q.PendingTotals(op)
	require.Zero(tickets)
	require.Zero(license)
}

func TestClaimStopsAtFirstLockedTranche(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 100, 0))
	require.NoError(q.Enqueue(op, 3*hour, 200, 0))

	clk.Set(clk.Time().Add(2 * time.Hour))
	tickets, _, err := q.Claim(op, 1000, 0)
	require.NoError(err)
	require.Equal(uint64(100), tickets)

	tickets, _ = q.PendingTotals(op)
	require.Equal(uint64(200), tickets)
}

func TestClaimPartialLeavesRemainder(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 100, 40))

	clk.Set(clk.Time().Add(2 * time.Hour))
	tickets, license, err := q.Claim(op, 60, 15)
	require.NoError(err)
	require.Equal(uint64(60), tickets)
	require.Equal(uint64(15), license)

	tickets, license = q.PendingTotals(op)
	require.Equal(uint64(40), tickets)
	require.Equal(uint64(25), license)

	// The remainder stays claimable.
	ct, cl := q.PreviewClaimable(op)
	require.Equal(uint64(40), ct)
	require.Equal(uint64(25), cl)
}

func TestSlashPendingLockedTranches(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 100, 50))

	// Without includeLocked nothing is seizable yet.
	tickets, license, err := q.SlashPending(op, 100, 50, false)
	require.NoError(err)
	require.Zero(tickets)
	require.Zero(license)

	// includeLocked seizes mid-exit collateral.
	tickets, license, err = q.SlashPending(op, 70, 50, true)
	require.NoError(err)
	require.Equal(uint64(70), tickets)
	require.Equal(uint64(50), license)

	tickets, license = q.PendingTotals(op)
	require.Equal(uint64(30), tickets)
	require.Zero(license)
}

func TestSlashPendingSaturates(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	require.NoError(q.Enqueue(op, hour, 30, 0))

	// Requesting more than queued saturates to the available amount.
	tickets, _, err := q.SlashPending(op, 50, 0, true)
	require.NoError(err)
	require.Equal(uint64(30), tickets)
}

func TestAccountingIdentity(t *testing.T) {
	require := require.New(t)
	q, clk := newTestQueue(t)
	op := ids.GenerateTestNodeID()

	sum := func() (uint64, uint64) {
		q.mu.Lock()
		defer q.mu.Unlock()
		rec, err := q.load(op)
		require.NoError(err)
		var tk, lc uint64
		for i := int(rec.Head); i < len(rec.Tranches); i++ {
			tk += rec.Tranches[i].TicketAmount
			lc += rec.Tranches[i].LicenseAmount
		}
		return tk, lc
	}

	check := func() {
		tk, lc := sum()
		pt, pl := q.PendingTotals(op)
		require.Equal(tk, pt)
		require.Equal(lc, pl)
	}

	require.NoError(q.Enqueue(op, hour, 100, 10))
	check()
	require.NoError(q.Enqueue(op, 2*hour, 5, 5))
	check()

	clk.Set(clk.Time().Add(90 * time.Minute))
	_, _, err := q.Claim(op, 40, 0)
	require.NoError(err)
	check()

	_, _, err = q.SlashPending(op, 1000, 1000, true)
	require.NoError(err)
	check()

	pt, pl := q.PendingTotals(op)
	require.Zero(pt)
	require.Zero(pl)
}

func TestQueueSurvivesReload(t *testing.T) {
	require := require.New(t)
	db := memdb.New()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_000_000, 0))
	op := ids.GenerateTestNodeID()

	q := New(db, log.NoLog{}, clk, events.NoopSink{})
	require.NoError(q.Enqueue(op, hour, 100, 10))

	// A fresh queue over the same database sees the same record.
	q2 := New(db, log.NoLog{}, clk, events.NoopSink{})
	tickets, license := q2.PendingTotals(op)
	require.Equal(uint64(100), tickets)
	require.Equal(uint64(10), license)
}
