// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package exitqueue holds collateral that is leaving active duty until a
// time lock elapses. Tranches are consumed strictly from a monotonically
// advancing head index; they are never revisited or reordered.
package exitqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/events"
	safemath "github.com/luxfi/sortition/utils/math"
)

var (
	ErrTimestampOverflow = clock.ErrTimestampOverflow

	queuePrefix = []byte("xq:")
)

// Tranche is a time-locked block of exiting collateral. Tranches queued
// at the same unlock timestamp merge into one.
type Tranche struct {
	UnlockTime    uint64 `serialize:"true" json:"unlockTime"`
	TicketAmount  uint64 `serialize:"true" json:"ticketAmount"`
	LicenseAmount uint64 `serialize:"true" json:"licenseAmount"`
}

func (t *Tranche) empty() bool {
	return t.TicketAmount == 0 && t.LicenseAmount == 0
}

// record is the persisted per-operator queue.
// Invariant: the sum of tranche amounts at index >= Head equals
// (PendingTickets, PendingLicense) after every mutation.
type record struct {
	Head           uint32    `serialize:"true"`
	Tranches       []Tranche `serialize:"true"`
	PendingTickets uint64    `serialize:"true"`
	PendingLicense uint64    `serialize:"true"`
}

// Queue is the exit queue for all operators. It is the sole owner of
// exiting-collateral records; other components reach it only through
// BondingLedger entrypoints.
type Queue struct {
	mu   sync.RWMutex
	db   database.Database
	log  log.Logger
	clk  *clock.Clock
	sink events.Sink

	queues map[ids.NodeID]*record
}

// New creates an exit queue backed by db.
func New(db database.Database, logger log.Logger, clk *clock.Clock, sink events.Sink) *Queue {
	return &Queue{
		db:     db,
		log:    logger,
		clk:    clk,
		sink:   sink,
		queues: make(map[ids.NodeID]*record),
	}
}

// Enqueue adds exiting collateral for operator, unlocking delaySeconds
// from now. A call with both amounts zero is a no-op.
func (q *Queue) Enqueue(operator ids.NodeID, delaySeconds uint64, ticketAmount, licenseAmount uint64) error {
	if ticketAmount == 0 && licenseAmount == 0 {
		return nil
	}

	unlockTime, err := q.clk.Deadline(delaySeconds)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(operator)
	if err != nil {
		return err
	}

	// Merge into the last tranche when the unlock time matches, so an
	// operator exiting repeatedly in one second holds one tranche.
	if n := len(rec.Tranches); n > int(rec.Head) && rec.Tranches[n-1].UnlockTime == unlockTime {
		last := &rec.Tranches[n-1]
		last.TicketAmount = safemath.SatAdd(last.TicketAmount, ticketAmount)
		last.LicenseAmount = safemath.SatAdd(last.LicenseAmount, licenseAmount)
	} else {
		rec.Tranches = append(rec.Tranches, Tranche{
			UnlockTime:    unlockTime,
			TicketAmount:  ticketAmount,
			LicenseAmount: licenseAmount,
		})
	}
	rec.PendingTickets = safemath.SatAdd(rec.PendingTickets, ticketAmount)
	rec.PendingLicense = safemath.SatAdd(rec.PendingLicense, licenseAmount)

	if err := q.store(operator, rec); err != nil {
		return err
	}

	q.log.Debug("exit queued",
		"operator", operator,
		"unlockTime", unlockTime,
		"ticketAmount", ticketAmount,
		"licenseAmount", licenseAmount,
	)
	q.sink.Emit(events.ExitQueued{
		Operator:      operator,
		UnlockTime:    unlockTime,
		TicketAmount:  ticketAmount,
		LicenseAmount: licenseAmount,
	})
	return nil
}

// PreviewClaimable returns the amounts an operator could claim now.
// Read-only; no mutation.
func (q *Queue) PreviewClaimable(operator ids.NodeID) (ticketAmount, licenseAmount uint64) {
	now := q.clk.Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(operator)
	if err != nil {
		return 0, 0
	}
	for i := int(rec.Head); i < len(rec.Tranches); i++ {
		tr := &rec.Tranches[i]
		if tr.UnlockTime > now {
			break
		}
		ticketAmount = safemath.SatAdd(ticketAmount, tr.TicketAmount)
		licenseAmount = safemath.SatAdd(licenseAmount, tr.LicenseAmount)
	}
	return ticketAmount, licenseAmount
}

// Claim withdraws up to (maxTicket, maxLicense) of unlocked collateral,
// walking tranches from the head and stopping at the first still-locked
// tranche. Returns the amounts actually claimed, which may be less than
// requested; insufficiency is not an error.
func (q *Queue) Claim(operator ids.NodeID, maxTicket, maxLicense uint64) (ticketAmount, licenseAmount uint64, err error) {
	now := q.clk.Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(operator)
	if err != nil {
		return 0, 0, err
	}

	ticketAmount, licenseAmount = rec.drain(now, maxTicket, maxLicense, false)
	if ticketAmount == 0 && licenseAmount == 0 {
		return 0, 0, nil
	}

	if err := q.store(operator, rec); err != nil {
		return 0, 0, err
	}

	q.log.Debug("exit claimed",
		"operator", operator,
		"ticketAmount", ticketAmount,
		"licenseAmount", licenseAmount,
	)
	q.sink.Emit(events.ExitClaimed{
		Operator:      operator,
		TicketAmount:  ticketAmount,
		LicenseAmount: licenseAmount,
	})
	return ticketAmount, licenseAmount, nil
}

// SlashPending seizes up to (ticketAmount, licenseAmount) from the
// operator's queued tranches. With includeLocked, not-yet-unlocked
// tranches are seized as well; this is how an operator is penalized
// mid-exit. Returns the amounts actually seized.
func (q *Queue) SlashPending(operator ids.NodeID, ticketAmount, licenseAmount uint64, includeLocked bool) (seizedTickets, seizedLicense uint64, err error) {
	now := q.clk.Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(operator)
	if err != nil {
		return 0, 0, err
	}

	seizedTickets, seizedLicense = rec.drain(now, ticketAmount, licenseAmount, includeLocked)
	if seizedTickets == 0 && seizedLicense == 0 {
		return 0, 0, nil
	}

	if err := q.store(operator, rec); err != nil {
		return 0, 0, err
	}

	q.log.Info("pending exit slashed",
		"operator", operator,
		"ticketAmount", seizedTickets,
		"licenseAmount", seizedLicense,
		"includeLocked", includeLocked,
	)
	q.sink.Emit(events.ExitSlashed{
		Operator:      operator,
		TicketAmount:  seizedTickets,
		LicenseAmount: seizedLicense,
	})
	return seizedTickets, seizedLicense, nil
}

// PendingTotals returns the operator's total queued amounts, locked or
// not.
func (q *Queue) PendingTotals(operator ids.NodeID) (ticketAmount, licenseAmount uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(operator)
	if err != nil {
		return 0, 0
	}
	return rec.PendingTickets, rec.PendingLicense
}

// drain consumes up to (maxTicket, maxLicense) across tranches starting
// at the head. Locked tranches stop the walk unless includeLocked is
// set; tranches are time-ordered so nothing beyond the first locked one
// can be unlocked. The head index only advances past leading empties.
func (rec *record) drain(now, maxTicket, maxLicense uint64, includeLocked bool) (tickets, license uint64) {
	for i := int(rec.Head); i < len(rec.Tranches); i++ {
		if maxTicket == 0 && maxLicense == 0 {
			break
		}
		tr := &rec.Tranches[i]
		if tr.UnlockTime > now {
			if !includeLocked {
				break
			}
		}

		takenT, _ := safemath.Take(maxTicket, tr.TicketAmount)
		takenL, _ := safemath.Take(maxLicense, tr.LicenseAmount)
		tr.TicketAmount -= takenT
		tr.LicenseAmount -= takenL
		maxTicket -= takenT
		maxLicense -= takenL
		tickets = safemath.SatAdd(tickets, takenT)
		license = safemath.SatAdd(license, takenL)
	}

	rec.PendingTickets = safemath.SatSub(rec.PendingTickets, tickets)
	rec.PendingLicense = safemath.SatSub(rec.PendingLicense, license)

	for int(rec.Head) < len(rec.Tranches) && rec.Tranches[rec.Head].empty() {
		rec.Head++
	}
	return tickets, license
}

// load returns the cached queue record for operator, loading it from
// the database on a cache miss. Callers must hold q.mu.
func (q *Queue) load(operator ids.NodeID) (*record, error) {
	if rec, ok := q.queues[operator]; ok {
		return rec, nil
	}

	rec := &record{}
	data, err := q.db.Get(queueKey(operator))
	switch {
	case err == nil:
		if _, err := Codec.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exit queue record: %w", err)
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		return nil, err
	}

	q.queues[operator] = rec
	return rec, nil
}

func (q *Queue) store(operator ids.NodeID, rec *record) error {
	data, err := Codec.Marshal(codecVersion, rec)
	if err != nil {
		return fmt.Errorf("failed to marshal exit queue record: %w", err)
	}
	return q.db.Put(queueKey(operator), data)
}

func queueKey(operator ids.NodeID) []byte {
	return append(queuePrefix, operator[:]...)
}
