// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bonding is the source of truth for operator collateral and
// duty-readiness. The ledger is the sole mutator of ticket and license
// balances; the committee registry and the slashing manager reach it
// only through the restricted gateways it hands out at wiring time.
package bonding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	hashing "github.com/luxfi/crypto/hash"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
	"github.com/luxfi/sortition/exitqueue"
	safemath "github.com/luxfi/sortition/utils/math"
)

var (
	ErrOperatorNotFound               = errors.New("operator not found")
	ErrOperatorBanned                 = errors.New("operator banned")
	ErrAlreadyLicensed                = errors.New("operator already licensed")
	ErrNotLicensed                    = errors.New("operator not licensed")
	ErrInsufficientLicenseStake       = errors.New("insufficient license stake")
	ErrInsufficientAllocatedMagnitude = errors.New("insufficient allocated magnitude")
	ErrAlreadyRegistered              = errors.New("operator already registered")
	ErrTicketNotFound                 = errors.New("ticket not found")
	ErrTicketBurned                   = errors.New("ticket burned")
	ErrZeroCount                      = errors.New("count must be non-zero")
	ErrZeroAmount                     = errors.New("amount must be non-zero")
	ErrNoAvailableTickets             = errors.New("no available tickets")

	operatorPrefix = []byte("op:")
	ticketPrefix   = []byte("tk:")
)

// Operator is the per-operator ledger record. Active is derived:
// registered and holding at least the configured minimum of available
// tickets.
type Operator struct {
	Node          ids.NodeID  `serialize:"true" json:"node"`
	Address       ids.ShortID `serialize:"true" json:"address"`
	Licensed      bool        `serialize:"true" json:"licensed"`
	StakeSnapshot uint64      `serialize:"true" json:"stakeSnapshot"`
	LicenseBond   uint64      `serialize:"true" json:"licenseBond"`
	Registered    bool        `serialize:"true" json:"registered"`
	Active        bool        `serialize:"true" json:"active"`
	TicketSeq     uint64      `serialize:"true" json:"ticketSeq"`
	TicketIDs     []ids.ID    `serialize:"true" json:"ticketIDs"`
}

// BanView reports whether an operator is banned. Implemented by the
// slashing manager; wired after construction to break the dependency
// cycle.
type BanView interface {
	IsBanned(operator ids.NodeID) bool
}

// Membership mirrors registration into the committee registry's
// accumulator.
type Membership interface {
	Enable(operator ids.NodeID) error
	Disable(operator ids.NodeID) error
}

// Ledger tracks licenses and tickets for all operators.
type Ledger struct {
	mu   sync.Mutex
	cfg  config.Config
	db   database.Database
	log  log.Logger
	clk  *clock.Clock
	sink events.Sink

	oracle DelegationOracle
	asset  PaymentAsset
	exits  *exitqueue.Queue

	bans       BanView
	membership Membership

	operators map[ids.NodeID]*Operator
	tickets   map[ids.ID]*Ticket
}

// New creates a bonding ledger backed by db. All operator records are
// loaded eagerly; tickets load on first touch.
func New(
	cfg config.Config,
	db database.Database,
	logger log.Logger,
	clk *clock.Clock,
	sink events.Sink,
	oracle DelegationOracle,
	asset PaymentAsset,
	exits *exitqueue.Queue,
) (*Ledger, error) {
	l := &Ledger{
		cfg:       cfg,
		db:        db,
		log:       logger,
		clk:       clk,
		sink:      sink,
		oracle:    oracle,
		asset:     asset,
		exits:     exits,
		operators: make(map[ids.NodeID]*Operator),
		tickets:   make(map[ids.ID]*Ticket),
	}
	if err := l.loadOperators(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadOperators() error {
	iter := l.db.NewIteratorWithPrefix(operatorPrefix)
	defer iter.Release()

	for iter.Next() {
		op := &Operator{}
		if _, err := Codec.Unmarshal(iter.Value(), op); err != nil {
			return fmt.Errorf("failed to unmarshal operator record: %w", err)
		}
		l.operators[op.Node] = op
	}
	return iter.Error()
}

// SetBanView wires the slashing manager's ban registry into license and
// registration checks.
func (l *Ledger) SetBanView(v BanView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bans = v
}

// SetMembership wires the committee registry's accumulator so that
// registration toggles membership.
func (l *Ledger) SetMembership(m Membership) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.membership = m
}

// AcquireLicense licenses an operator paying from addr. The operator
// must hold the configured minimum stake in the delegation system and
// be allocated to this protocol's operator set.
func (l *Ledger) AcquireLicense(operator ids.NodeID, addr ids.ShortID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isBanned(operator) {
		return ErrOperatorBanned
	}
	op := l.operators[operator]
	if op != nil && op.Licensed {
		return ErrAlreadyLicensed
	}

	shares, err := l.oracle.OperatorShares(operator, l.cfg.Strategy)
	if err != nil {
		return fmt.Errorf("delegation oracle: %w", err)
	}
	if shares < l.cfg.MinLicenseStake {
		return ErrInsufficientLicenseStake
	}
	magnitude, err := l.oracle.AllocatedMagnitude(operator, l.cfg.Strategy)
	if err != nil {
		return fmt.Errorf("delegation oracle: %w", err)
	}
	if magnitude < l.cfg.MinAllocatedMagnitude {
		return ErrInsufficientAllocatedMagnitude
	}

	if err := l.asset.Debit(addr, l.cfg.LicenseBond); err != nil {
		return fmt.Errorf("license bond transfer: %w", err)
	}

	if op == nil {
		op = &Operator{Node: operator}
		l.operators[operator] = op
	}
	op.Address = addr
	op.Licensed = true
	op.StakeSnapshot = shares
	op.LicenseBond = l.cfg.LicenseBond

	if err := l.storeOperator(op); err != nil {
		return err
	}

	l.log.Info("license acquired", "operator", operator, "stake", shares)
	l.sink.Emit(events.LicenseAcquired{Operator: operator, Stake: shares, Bond: op.LicenseBond})
	return nil
}

// PurchaseTickets debits count*ticketPrice from the operator's address
// and mints count new Active tickets.
func (l *Ledger) PurchaseTickets(operator ids.NodeID, count uint32) ([]ids.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count == 0 {
		return nil, ErrZeroCount
	}
	op := l.operators[operator]
	if op == nil || !op.Licensed {
		return nil, ErrNotLicensed
	}

	cost, err := safemath.Mul(uint64(count), l.cfg.TicketPrice)
	if err != nil {
		return nil, err
	}
	if err := l.asset.Debit(op.Address, cost); err != nil {
		return nil, fmt.Errorf("ticket payment transfer: %w", err)
	}

	now := l.clk.Unix()
	minted := make([]ids.ID, 0, count)
	for i := uint32(0); i < count; i++ {
		op.TicketSeq++
		ticket := &Ticket{
			ID:            ticketID(operator, op.TicketSeq),
			Owner:         operator,
			CreatedAt:     now,
			OriginalValue: l.cfg.TicketPrice,
			Status:        StatusActive,
		}
		l.tickets[ticket.ID] = ticket
		op.TicketIDs = append(op.TicketIDs, ticket.ID)
		minted = append(minted, ticket.ID)
		if err := l.storeTicket(ticket); err != nil {
			return nil, err
		}
	}
	if err := l.refreshActivation(op); err != nil {
		return nil, err
	}
	if err := l.storeOperator(op); err != nil {
		return nil, err
	}

	l.log.Info("tickets purchased", "operator", operator, "count", count, "cost", cost)
	l.sink.Emit(events.TicketsPurchased{Operator: operator, Count: count, Value: cost})
	return minted, nil
}

// TopUpTicket adds value to a non-burned ticket. An Inactive ticket is
// resurrected to Active once its slash ratio drops back under the
// inactivity threshold.
func (l *Ledger) TopUpTicket(ticketID ids.ID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		return ErrZeroAmount
	}
	ticket, err := l.loadTicket(ticketID)
	if err != nil {
		return err
	}
	if ticket.Status == StatusBurned {
		return ErrTicketBurned
	}
	op := l.operators[ticket.Owner]
	if op == nil {
		return ErrOperatorNotFound
	}

	if err := l.asset.Debit(op.Address, amount); err != nil {
		return fmt.Errorf("top-up transfer: %w", err)
	}

	newValue, err := safemath.Add(ticket.OriginalValue, amount)
	if err != nil {
		return err
	}
	ticket.OriginalValue = newValue

	revived := false
	if ticket.Status == StatusInactive && ticket.slashedBps() < l.cfg.TicketInactiveBps {
		ticket.Status = StatusActive
		revived = true
	}
	if err := l.storeTicket(ticket); err != nil {
		return err
	}
	if revived {
		if err := l.refreshActivation(op); err != nil {
			return err
		}
		if err := l.storeOperator(op); err != nil {
			return err
		}
	}

	l.sink.Emit(events.TicketToppedUp{
		Operator: ticket.Owner,
		TicketID: ticketID,
		Amount:   amount,
		Revived:  revived,
	})
	return nil
}

// RegisterCiphernode registers a licensed operator for committee duty
// and mirrors the registration into the committee registry's
// accumulator.
func (l *Ledger) RegisterCiphernode(operator ids.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isBanned(operator) {
		return ErrOperatorBanned
	}
	op := l.operators[operator]
	if op == nil || !op.Licensed {
		return ErrNotLicensed
	}
	if op.Registered {
		return ErrAlreadyRegistered
	}

	if l.membership != nil {
		if err := l.membership.Enable(operator); err != nil {
			return err
		}
	}
	op.Registered = true
	if err := l.refreshActivation(op); err != nil {
		return err
	}
	if err := l.storeOperator(op); err != nil {
		return err
	}

	l.log.Info("ciphernode registered", "operator", operator)
	l.sink.Emit(events.NodeRegistered{Operator: operator})
	return nil
}

// DeregisterCiphernode removes an operator from committee duty. It
// always succeeds and immediately deactivates a previously active
// operator.
func (l *Ledger) DeregisterCiphernode(operator ids.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil || !op.Registered {
		return nil
	}

	if l.membership != nil {
		if err := l.membership.Disable(operator); err != nil {
			return err
		}
	}
	op.Registered = false
	if err := l.refreshActivation(op); err != nil {
		return err
	}
	if err := l.storeOperator(op); err != nil {
		return err
	}

	l.log.Info("ciphernode deregistered", "operator", operator)
	l.sink.Emit(events.NodeDeregistered{Operator: operator})
	return nil
}

// WithdrawTickets burns up to count unused Active tickets and queues
// their remaining value into the exit queue, unlocking after the
// configured exit delay. Returns the value queued.
func (l *Ledger) WithdrawTickets(operator ids.NodeID, count uint32) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count == 0 {
		return 0, ErrZeroCount
	}
	op := l.operators[operator]
	if op == nil {
		return 0, ErrOperatorNotFound
	}

	var (
		value     uint64
		withdrawn uint32
	)
	for _, id := range op.TicketIDs {
		if withdrawn == count {
			break
		}
		ticket, err := l.loadTicket(id)
		if err != nil {
			return 0, err
		}
		if !ticket.Available() {
			continue
		}
		ticket.Status = StatusBurned
		value = safemath.SatAdd(value, ticket.Remaining())
		withdrawn++
		if err := l.storeTicket(ticket); err != nil {
			return 0, err
		}
	}
	if withdrawn == 0 {
		return 0, ErrNoAvailableTickets
	}

	if err := l.exits.Enqueue(operator, l.exitDelaySeconds(), value, 0); err != nil {
		return 0, err
	}
	if err := l.refreshActivation(op); err != nil {
		return 0, err
	}
	if err := l.storeOperator(op); err != nil {
		return 0, err
	}

	l.log.Info("tickets withdrawn", "operator", operator, "count", withdrawn, "value", value)
	return value, nil
}

// RevokeLicense surrenders the operator's license, deregisters it and
// queues the remaining license bond into the exit queue.
func (l *Ledger) RevokeLicense(operator ids.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil || !op.Licensed {
		return ErrNotLicensed
	}

	if op.Registered {
		if l.membership != nil {
			if err := l.membership.Disable(operator); err != nil {
				return err
			}
		}
		op.Registered = false
	}

	refund := op.LicenseBond
	op.Licensed = false
	op.LicenseBond = 0
	op.StakeSnapshot = 0

	if err := l.exits.Enqueue(operator, l.exitDelaySeconds(), 0, refund); err != nil {
		return err
	}
	if err := l.refreshActivation(op); err != nil {
		return err
	}
	if err := l.storeOperator(op); err != nil {
		return err
	}

	l.log.Info("license revoked", "operator", operator, "refund", refund)
	l.sink.Emit(events.LicenseRevoked{Operator: operator, Refund: refund})
	return nil
}

// ClaimExit withdraws unlocked exiting collateral and credits it back to
// the operator's address. Returns the amounts actually claimed.
func (l *Ledger) ClaimExit(operator ids.NodeID, maxTicket, maxLicense uint64) (uint64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil {
		return 0, 0, ErrOperatorNotFound
	}

	tickets, license, err := l.exits.Claim(operator, maxTicket, maxLicense)
	if err != nil {
		return 0, 0, err
	}
	total := safemath.SatAdd(tickets, license)
	if total == 0 {
		return 0, 0, nil
	}
	if err := l.asset.Credit(op.Address, total); err != nil {
		return 0, 0, fmt.Errorf("exit payout transfer: %w", err)
	}
	return tickets, license, nil
}

// GetOperator returns a copy of the operator record.
func (l *Ledger) GetOperator(operator ids.NodeID) (Operator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil {
		return Operator{}, ErrOperatorNotFound
	}
	cp := *op
	cp.TicketIDs = append([]ids.ID(nil), op.TicketIDs...)
	return cp, nil
}

// GetTicket returns a copy of the ticket record.
func (l *Ledger) GetTicket(id ids.ID) (Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticket, err := l.loadTicket(id)
	if err != nil {
		return Ticket{}, err
	}
	return *ticket, nil
}

// AvailableTickets returns the operator's available-ticket count.
func (l *Ledger) AvailableTickets(operator ids.NodeID) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil {
		return 0
	}
	n, err := l.availableTickets(op)
	if err != nil {
		return 0
	}
	return n
}

// IsActive reports whether the operator is registered and duty-ready.
func (l *Ledger) IsActive(operator ids.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	return op != nil && op.Active
}

// useTicket consumes the operator's oldest available ticket for taskID.
// Single-use consumption burns the ticket directly.
func (l *Ledger) useTicket(operator ids.NodeID, taskID ids.ID) (ids.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil {
		return ids.Empty, ErrOperatorNotFound
	}
	for _, id := range op.TicketIDs {
		ticket, err := l.loadTicket(id)
		if err != nil {
			return ids.Empty, err
		}
		if !ticket.Available() {
			continue
		}
		ticket.Used = true
		ticket.Status = StatusBurned
		if err := l.storeTicket(ticket); err != nil {
			return ids.Empty, err
		}
		if err := l.refreshActivation(op); err != nil {
			return ids.Empty, err
		}
		if err := l.storeOperator(op); err != nil {
			return ids.Empty, err
		}
		l.sink.Emit(events.TicketUsed{Operator: operator, TicketID: id, TaskID: taskID})
		return id, nil
	}
	return ids.Empty, ErrNoAvailableTickets
}

// slashTickets applies up to amount of damage across the operator's
// tickets, oldest first, then continues into the exit queue. It never
// fails on insufficiency: the return value is the damage actually
// applied, saturated to what the operator still holds.
func (l *Ledger) slashTickets(operator ids.NodeID, amount uint64, reason uint8) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	if op == nil {
		// Nothing bonded, nothing in exit: slash of zero.
		return 0, nil
	}

	remaining := amount
	var slashed uint64
	for _, id := range op.TicketIDs {
		if remaining == 0 {
			break
		}
		ticket, err := l.loadTicket(id)
		if err != nil {
			return 0, err
		}
		damage := ticket.applySlash(remaining, l.cfg.TicketInactiveBps)
		if damage == 0 {
			continue
		}
		remaining -= damage
		slashed += damage
		if err := l.storeTicket(ticket); err != nil {
			return 0, err
		}
	}

	// Voluntary exit is no shield: continue into queued tranches,
	// locked ones included.
	if remaining > 0 {
		seized, _, err := l.exits.SlashPending(operator, remaining, 0, true)
		if err != nil {
			return 0, err
		}
		slashed += seized
	}

	if err := l.refreshActivation(op); err != nil {
		return 0, err
	}
	if err := l.storeOperator(op); err != nil {
		return 0, err
	}

	if slashed > 0 {
		l.log.Info("ticket collateral slashed",
			"operator", operator,
			"requested", amount,
			"slashed", slashed,
			"reason", reason,
		)
		l.sink.Emit(events.TicketSlashed{Operator: operator, Reason: reason, Amount: slashed})
	}
	return slashed, nil
}

// slashLicense debits the operator's license bond, then continues into
// the exit queue. Same saturation semantics as slashTickets.
func (l *Ledger) slashLicense(operator ids.NodeID, amount uint64, reason uint8) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := l.operators[operator]
	var slashed, remaining uint64
	remaining = amount
	if op != nil {
		taken, _ := safemath.Take(remaining, op.LicenseBond)
		op.LicenseBond -= taken
		remaining -= taken
		slashed += taken
	}

	if remaining > 0 {
		_, seized, err := l.exits.SlashPending(operator, 0, remaining, true)
		if err != nil {
			return 0, err
		}
		slashed += seized
	}

	if op != nil {
		if err := l.storeOperator(op); err != nil {
			return 0, err
		}
	}
	if slashed > 0 {
		l.log.Info("license bond slashed",
			"operator", operator,
			"requested", amount,
			"slashed", slashed,
			"reason", reason,
		)
	}
	return slashed, nil
}

// availableTickets counts the operator's Active, unused tickets.
func (l *Ledger) availableTickets(op *Operator) (uint32, error) {
	var n uint32
	for _, id := range op.TicketIDs {
		ticket, err := l.loadTicket(id)
		if err != nil {
			return 0, err
		}
		if ticket.Available() {
			n++
		}
	}
	return n, nil
}

// refreshActivation re-derives the operator's active flag and emits the
// transition events. Callers must hold l.mu.
func (l *Ledger) refreshActivation(op *Operator) error {
	available, err := l.availableTickets(op)
	if err != nil {
		return err
	}
	active := op.Registered && available >= l.cfg.MinTicketsForActivation
	switch {
	case active && !op.Active:
		op.Active = true
		l.log.Info("ciphernode activated", "operator", op.Node)
		l.sink.Emit(events.NodeActivated{Operator: op.Node})
	case !active && op.Active:
		op.Active = false
		l.log.Info("ciphernode deactivated", "operator", op.Node)
		l.sink.Emit(events.NodeDeactivated{Operator: op.Node})
	}
	return nil
}

func (l *Ledger) isBanned(operator ids.NodeID) bool {
	return l.bans != nil && l.bans.IsBanned(operator)
}

func (l *Ledger) exitDelaySeconds() uint64 {
	return uint64(l.cfg.ExitDelay.Seconds())
}

func (l *Ledger) loadTicket(id ids.ID) (*Ticket, error) {
	if t, ok := l.tickets[id]; ok {
		return t, nil
	}
	data, err := l.db.Get(ticketKey(id))
	switch {
	case err == nil:
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrTicketNotFound
	default:
		return nil, err
	}
	t := &Ticket{}
	if _, err := Codec.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket: %w", err)
	}
	l.tickets[id] = t
	return t, nil
}

func (l *Ledger) storeTicket(t *Ticket) error {
	data, err := Codec.Marshal(codecVersion, t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	return l.db.Put(ticketKey(t.ID), data)
}

func (l *Ledger) storeOperator(op *Operator) error {
	data, err := Codec.Marshal(codecVersion, op)
	if err != nil {
		return fmt.Errorf("failed to marshal operator record: %w", err)
	}
	return l.db.Put(operatorKey(op.Node), data)
}

func operatorKey(operator ids.NodeID) []byte {
	return append(operatorPrefix, operator[:]...)
}

func ticketKey(id ids.ID) []byte {
	return append(ticketPrefix, id[:]...)
}

// ticketID derives a deterministic ticket ID from the owner and its
// mint sequence number.
func ticketID(operator ids.NodeID, seq uint64) ids.ID {
	buf := make([]byte, len(operator)+8)
	copy(buf, operator[:])
	binary.BigEndian.PutUint64(buf[len(operator):], seq)
	return hashing.ComputeHash256Array(buf)
}
