// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"bytes"
	"encoding/binary"

	"github.com/google/btree"

	hashing "github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
)

const poolTreeDegree = 2

// Entry is a single scored sortition submission.
type Entry struct {
	Score        ids.ID     `json:"score"`
	Operator     ids.NodeID `json:"operator"`
	TicketNumber uint64     `json:"ticketNumber"`

	// seq orders equal scores by arrival so the pool has a total order.
	seq uint64
}

// Less orders entries ascending by score. The first arrival wins ties,
// which keeps finalization deterministic under replay.
func (e Entry) Less(than Entry) bool {
	if c := bytes.Compare(e.Score[:], than.Score[:]); c != 0 {
		return c < 0
	}
	return e.seq < than.seq
}

// Score computes the sortition score for one submission. Lowest score
// wins; each (operator, ticketNumber) pair scores independently, so an
// operator holding k tickets gets k independent draws.
func Score(operator ids.NodeID, ticketNumber uint64, taskID, seed ids.ID) ids.ID {
	buf := make([]byte, 0, len(operator)+8+len(taskID)+len(seed))
	buf = append(buf, operator[:]...)
	buf = binary.BigEndian.AppendUint64(buf, ticketNumber)
	buf = append(buf, taskID[:]...)
	buf = append(buf, seed[:]...)
	return hashing.ComputeHash256Array(buf)
}

// Pool is the bounded ascending-score submission pool for one task.
// At most max entries are retained; a full pool only admits an entry
// whose score is strictly lower than the current worst.
type Pool struct {
	max     int
	tree    *btree.BTreeG[Entry]
	nextSeq uint64
}

// NewPool returns an empty pool bounded to max entries.
func NewPool(max uint32) *Pool {
	return &Pool{
		max:  int(max),
		tree: btree.NewG(poolTreeDegree, Entry.Less),
	}
}

// Insert offers an entry to the pool. It returns whether the entry was
// retained; a full pool drops its worst entry to make room only when
// the offered score is strictly lower. Equal scores keep the incumbent.
func (p *Pool) Insert(e Entry) bool {
	e.seq = p.nextSeq
	p.nextSeq++

	if p.tree.Len() < p.max {
		p.tree.ReplaceOrInsert(e)
		return true
	}

	worst, ok := p.tree.Max()
	if !ok {
		return false
	}
	if bytes.Compare(e.Score[:], worst.Score[:]) >= 0 {
		return false
	}
	p.tree.Delete(worst)
	p.tree.ReplaceOrInsert(e)
	return true
}

// Len returns the number of retained entries.
func (p *Pool) Len() int {
	return p.tree.Len()
}

// Worst returns the highest retained score.
func (p *Pool) Worst() (Entry, bool) {
	return p.tree.Max()
}

// Entries returns the retained entries ascending by score.
func (p *Pool) Entries() []Entry {
	entries := make([]Entry, 0, p.tree.Len())
	p.tree.Ascend(func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}
