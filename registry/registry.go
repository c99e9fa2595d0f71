// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package registry maintains the global ciphernode membership
// accumulator and runs per-task sortition. Committee state moves
// through Requested -> Finalized -> Published; submissions are only
// accepted while the task's window is open, validated against ticket
// balances snapshotted at request time.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
)

var (
	ErrCommitteeExists        = errors.New("committee already requested")
	ErrCommitteeNotFound      = errors.New("committee not found")
	ErrCommitteeFinalized     = errors.New("committee already finalized")
	ErrNotFinalized           = errors.New("committee not finalized")
	ErrAlreadyPublished       = errors.New("committee already published")
	ErrSubmissionWindowClosed = errors.New("submission window closed")
	ErrSubmissionWindowOpen   = errors.New("submission window still open")
	ErrDuplicateSubmission    = errors.New("duplicate ticket submission")
	ErrInvalidTicketNumber    = errors.New("invalid ticket number")
	ErrThresholdNotMet        = errors.New("quorum threshold not met")
	ErrNotCommitteeMember     = errors.New("not a committee member")
	ErrCommitteeMismatch      = errors.New("nodes do not match finalized committee")
	ErrBadThresholds          = errors.New("invalid committee thresholds")
	ErrEmptyPublicKey         = errors.New("empty public key commitment")

	committeePrefix = []byte("cm:")
	membersKey      = []byte("members")
)

// TicketSource is the registry's restricted view of the bonding ledger:
// balance snapshots at request time and ticket consumption at
// finalization.
type TicketSource interface {
	SnapshotBalances() map[ids.NodeID]uint32
	ConsumeTicket(operator ids.NodeID, taskID ids.ID) (ids.ID, error)
}

// BalanceEntry pins one operator's available-ticket count at request
// time.
type BalanceEntry struct {
	Node    ids.NodeID `json:"node"`
	Tickets uint32     `json:"tickets"`
}

// Submission records one (operator, ticketNumber) pair for duplicate
// detection, retained or not.
type Submission struct {
	Operator     ids.NodeID `json:"operator"`
	TicketNumber uint64     `json:"ticketNumber"`
}

// Committee is the persisted per-task sortition record.
type Committee struct {
	TaskID             ids.ID         `json:"taskID"`
	Seed               ids.ID         `json:"seed"`
	RequestedAt        uint64         `json:"requestedAt"`
	Quorum             uint32         `json:"quorum"`
	MaxSize            uint32         `json:"maxSize"`
	SubmissionDeadline uint64         `json:"submissionDeadline"`
	AccumulatorRoot    ids.ID         `json:"accumulatorRoot"`
	Balances           []BalanceEntry `json:"balances"`
	Submitted          []Submission   `json:"submitted"`
	Entries            []Entry        `json:"entries"`
	Finalized          bool           `json:"finalized"`
	FinalNodes         []ids.NodeID   `json:"finalNodes"`
	Published          bool           `json:"published"`
	PublicKey          []byte         `json:"publicKey"`
	Expelled           []ids.NodeID   `json:"expelled"`
}

type submissionKey struct {
	operator     ids.NodeID
	ticketNumber uint64
}

type committeeState struct {
	Committee

	pool      *Pool
	balances  map[ids.NodeID]uint32
	submitted set.Set[submissionKey]
}

// memberRecord persists the accumulator leaf layout so the root is
// stable across restarts. Leaves are append-only; removal flips the
// active flag.
type memberRecord struct {
	Nodes  []ids.NodeID `json:"nodes"`
	Active []bool       `json:"active"`
}

// Registry runs membership and sortition for all tasks.
type Registry struct {
	mu   sync.Mutex
	cfg  config.Config
	db   database.Database
	log  log.Logger
	clk  *clock.Clock
	sink events.Sink

	tickets TicketSource
	acc     *Accumulator
	members memberRecord

	committees map[ids.ID]*committeeState
}

// New creates a committee registry backed by db. All committee records
// are loaded eagerly.
func New(
	cfg config.Config,
	db database.Database,
	logger log.Logger,
	clk *clock.Clock,
	sink events.Sink,
	tickets TicketSource,
) (*Registry, error) {
	r := &Registry{
		cfg:        cfg,
		db:         db,
		log:        logger,
		clk:        clk,
		sink:       sink,
		tickets:    tickets,
		acc:        NewAccumulator(),
		committees: make(map[ids.ID]*committeeState),
	}
	if err := r.loadMembers(); err != nil {
		return nil, err
	}
	if err := r.loadCommittees(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadMembers() error {
	data, err := r.db.Get(membersKey)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrNotFound):
		return nil
	default:
		return err
	}
	if err := json.Unmarshal(data, &r.members); err != nil {
		return fmt.Errorf("failed to unmarshal member record: %w", err)
	}
	// Replay appends and removals to reproduce the exact leaf layout.
	for i, node := range r.members.Nodes {
		r.acc.Add(node)
		if !r.members.Active[i] {
			if err := r.acc.Remove(node); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) loadCommittees() error {
	iter := r.db.NewIteratorWithPrefix(committeePrefix)
	defer iter.Release()

	for iter.Next() {
		c := &committeeState{}
		if err := json.Unmarshal(iter.Value(), &c.Committee); err != nil {
			return fmt.Errorf("failed to unmarshal committee record: %w", err)
		}
		c.pool = NewPool(c.MaxSize)
		// Entries are persisted ascending, so re-insertion preserves the
		// original tie order.
		for _, e := range c.Entries {
			c.pool.Insert(e)
		}
		c.balances = make(map[ids.NodeID]uint32, len(c.Balances))
		for _, b := range c.Balances {
			c.balances[b.Node] = b.Tickets
		}
		c.submitted = set.NewSet[submissionKey](len(c.Submitted))
		for _, s := range c.Submitted {
			c.submitted.Add(submissionKey{s.Operator, s.TicketNumber})
		}
		r.committees[c.TaskID] = c
	}
	return iter.Error()
}

// Enable inserts an operator into the membership accumulator. Enabling
// a present member is a no-op.
func (r *Registry) Enable(operator ids.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acc.Add(operator) {
		return nil
	}
	r.members.Nodes = append(r.members.Nodes, operator)
	r.members.Active = append(r.members.Active, true)
	return r.storeMembers()
}

// Disable removes an operator from the membership accumulator.
func (r *Registry) Disable(operator ids.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.acc.Remove(operator); err != nil {
		return err
	}
	// Flip the most recent active occurrence; earlier ones are already
	// inactive.
	for i := len(r.members.Nodes) - 1; i >= 0; i-- {
		if r.members.Nodes[i] == operator && r.members.Active[i] {
			r.members.Active[i] = false
			break
		}
	}
	return r.storeMembers()
}

// IsEnabled reports whether the operator is a current member.
func (r *Registry) IsEnabled(operator ids.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.Contains(operator)
}

// Root returns the current membership accumulator root.
func (r *Registry) Root() ids.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.Root()
}

// RequestCommittee opens the sortition window for taskID. The current
// accumulator root and every registered operator's available-ticket
// count are pinned here; submissions validate against this snapshot,
// not live balances.
func (r *Registry) RequestCommittee(
	taskID ids.ID,
	seed ids.ID,
	quorum uint32,
	maxSize uint32,
	window time.Duration,
) error {
	if quorum == 0 || maxSize == 0 || quorum > maxSize {
		return ErrBadThresholds
	}

	// Snapshot outside r.mu: the ledger takes its own lock and may call
	// back into the registry for membership toggles.
	balances := r.tickets.SnapshotBalances()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.committees[taskID]; ok {
		return ErrCommitteeExists
	}
	if window <= 0 {
		window = r.cfg.SubmissionWindow
	}
	deadline, err := r.clk.Deadline(uint64(window / time.Second))
	if err != nil {
		return err
	}
	c := &committeeState{
		Committee: Committee{
			TaskID:             taskID,
			Seed:               seed,
			RequestedAt:        r.clk.Unix(),
			Quorum:             quorum,
			MaxSize:            maxSize,
			SubmissionDeadline: deadline,
			AccumulatorRoot:    r.acc.Root(),
			Balances:           make([]BalanceEntry, 0, len(balances)),
		},
		pool:      NewPool(maxSize),
		balances:  balances,
		submitted: set.NewSet[submissionKey](16),
	}
	for node, tickets := range balances {
		c.Balances = append(c.Balances, BalanceEntry{Node: node, Tickets: tickets})
	}
	r.committees[taskID] = c
	if err := r.storeCommittee(c); err != nil {
		return err
	}

	r.log.Info("committee requested",
		"taskID", taskID,
		"quorum", quorum,
		"max", maxSize,
		"deadline", deadline,
	)
	r.sink.Emit(events.CommitteeRequested{
		TaskID:   taskID,
		Seed:     seed,
		Quorum:   quorum,
		Max:      maxSize,
		Deadline: deadline,
	})
	return nil
}

// SubmitTicket scores one sortition entry for the caller. ticketNumber
// must fall in [1, snapshotted balance]. The return value reports
// whether the entry was retained in the bounded pool; losing the cut
// is not an error.
func (r *Registry) SubmitTicket(operator ids.NodeID, taskID ids.ID, ticketNumber uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.committees[taskID]
	if !ok {
		return false, ErrCommitteeNotFound
	}
	if c.Finalized {
		return false, ErrCommitteeFinalized
	}
	if r.clk.Unix() > c.SubmissionDeadline {
		return false, ErrSubmissionWindowClosed
	}
	if ticketNumber == 0 || ticketNumber > uint64(c.balances[operator]) {
		return false, ErrInvalidTicketNumber
	}
	key := submissionKey{operator, ticketNumber}
	if c.submitted.Contains(key) {
		return false, ErrDuplicateSubmission
	}

	score := Score(operator, ticketNumber, taskID, c.Seed)
	retained := c.pool.Insert(Entry{
		Score:        score,
		Operator:     operator,
		TicketNumber: ticketNumber,
	})
	c.submitted.Add(key)
	c.Submitted = append(c.Submitted, Submission{Operator: operator, TicketNumber: ticketNumber})
	c.Entries = c.pool.Entries()
	if err := r.storeCommittee(c); err != nil {
		return false, err
	}

	r.sink.Emit(events.TicketSubmitted{
		TaskID:       taskID,
		Operator:     operator,
		TicketNumber: ticketNumber,
		Score:        score,
		Retained:     retained,
	})
	return retained, nil
}

// FinalizeCommittee freezes the committee once the submission window
// has closed. Callable by anyone. Retained entries deduplicate to
// operator identity in ascending score order; each final member has
// one ticket consumed.
func (r *Registry) FinalizeCommittee(taskID ids.ID) ([]ids.NodeID, error) {
	r.mu.Lock()

	c, ok := r.committees[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrCommitteeNotFound
	}
	if c.Finalized {
		r.mu.Unlock()
		return nil, ErrCommitteeFinalized
	}
	if r.clk.Unix() <= c.SubmissionDeadline {
		r.mu.Unlock()
		return nil, ErrSubmissionWindowOpen
	}

	// The committee element is the operator, not the ticket: an operator
	// with several winning entries serves once.
	seen := set.NewSet[ids.NodeID](c.pool.Len())
	final := make([]ids.NodeID, 0, c.pool.Len())
	for _, e := range c.pool.Entries() {
		if seen.Contains(e.Operator) {
			continue
		}
		seen.Add(e.Operator)
		final = append(final, e.Operator)
	}
	if uint32(len(final)) < c.Quorum {
		r.mu.Unlock()
		return nil, ErrThresholdNotMet
	}

	c.Finalized = true
	c.FinalNodes = final
	if err := r.storeCommittee(c); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	// Consume duty tickets outside r.mu; the ledger takes its own lock.
	// Selection is pinned to the request-time snapshot, so a balance
	// drained since then does not reopen sortition.
	for _, node := range final {
		if _, err := r.tickets.ConsumeTicket(node, taskID); err != nil {
			r.log.Warn("duty ticket consumption failed",
				"taskID", taskID,
				"operator", node,
				"error", err,
			)
		}
	}

	r.log.Info("committee finalized", "taskID", taskID, "members", len(final))
	r.sink.Emit(events.CommitteeFinalized{TaskID: taskID, Members: final})
	return final, nil
}

// PublishCommittee records the committee's aggregated public key
// commitment. nodes must match the finalized set exactly.
func (r *Registry) PublishCommittee(taskID ids.ID, nodes []ids.NodeID, publicKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.committees[taskID]
	if !ok {
		return ErrCommitteeNotFound
	}
	if !c.Finalized {
		return ErrNotFinalized
	}
	if c.Published {
		return ErrAlreadyPublished
	}
	if len(publicKey) == 0 {
		return ErrEmptyPublicKey
	}
	if !sameNodes(nodes, c.FinalNodes) {
		return ErrCommitteeMismatch
	}

	c.Published = true
	c.PublicKey = append([]byte(nil), publicKey...)
	if err := r.storeCommittee(c); err != nil {
		return err
	}

	r.log.Info("committee published", "taskID", taskID)
	r.sink.Emit(events.CommitteePublished{TaskID: taskID, PublicKey: c.PublicKey})
	return nil
}

// IsCommitteeMember reports whether the operator is in the task's
// finalized committee. Expulsion does not erase past membership.
func (r *Registry) IsCommitteeMember(taskID ids.ID, operator ids.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.committees[taskID]
	if !ok || !c.Finalized {
		return false
	}
	for _, node := range c.FinalNodes {
		if node == operator {
			return true
		}
	}
	return false
}

// GetCommittee returns a copy of the task's committee record.
func (r *Registry) GetCommittee(taskID ids.ID) (Committee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.committees[taskID]
	if !ok {
		return Committee{}, ErrCommitteeNotFound
	}
	cp := c.Committee
	cp.Balances = append([]BalanceEntry(nil), c.Balances...)
	cp.Submitted = append([]Submission(nil), c.Submitted...)
	cp.Entries = append([]Entry(nil), c.Entries...)
	cp.FinalNodes = append([]ids.NodeID(nil), c.FinalNodes...)
	cp.Expelled = append([]ids.NodeID(nil), c.Expelled...)
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	return cp, nil
}

// expel removes an operator from the finalized committee's active set
// and returns the resulting active count and the quorum threshold.
func (r *Registry) expel(taskID ids.ID, operator ids.NodeID, reason uint8) (uint32, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.committees[taskID]
	if !ok {
		return 0, 0, ErrCommitteeNotFound
	}
	if !c.Finalized {
		return 0, 0, ErrNotFinalized
	}
	member := false
	for _, node := range c.FinalNodes {
		if node == operator {
			member = true
			break
		}
	}
	if !member {
		return 0, 0, ErrNotCommitteeMember
	}
	for _, node := range c.Expelled {
		if node == operator {
			return 0, 0, ErrNotCommitteeMember
		}
	}

	c.Expelled = append(c.Expelled, operator)
	active := uint32(len(c.FinalNodes) - len(c.Expelled))
	if err := r.storeCommittee(c); err != nil {
		return 0, 0, err
	}

	r.log.Info("committee member expelled",
		"taskID", taskID,
		"operator", operator,
		"reason", reason,
		"active", active,
	)
	r.sink.Emit(events.MemberExpelled{
		TaskID:   taskID,
		Operator: operator,
		Reason:   reason,
		Active:   active,
	})
	return active, c.Quorum, nil
}

func (r *Registry) storeMembers() error {
	data, err := json.Marshal(&r.members)
	if err != nil {
		return fmt.Errorf("failed to marshal member record: %w", err)
	}
	return r.db.Put(membersKey, data)
}

func (r *Registry) storeCommittee(c *committeeState) error {
	data, err := json.Marshal(&c.Committee)
	if err != nil {
		return fmt.Errorf("failed to marshal committee record: %w", err)
	}
	return r.db.Put(committeeKey(c.TaskID), data)
}

func committeeKey(taskID ids.ID) []byte {
	return append(committeePrefix, taskID[:]...)
}

// sameNodes compares the two lists as multisets; a duplicated entry on
// one side must be matched by a duplicate on the other.
func sameNodes(a, b []ids.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[ids.NodeID]int, len(b))
	for _, node := range b {
		counts[node]++
	}
	for _, node := range a {
		if counts[node] == 0 {
			return false
		}
		counts[node]--
	}
	return true
}
