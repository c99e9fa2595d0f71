// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"errors"

	hashing "github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
)

var ErrCiphernodeNotEnabled = errors.New("ciphernode not enabled")

// Accumulator is the global operator membership structure. Leaves are
// appended left to right and zeroed on removal so that the index of
// every remaining member is stable; membership proofs issued against a
// snapshotted root stay valid for the members that held those indices.
type Accumulator struct {
	leaves []ids.ID
	index  map[ids.NodeID]int

	root  ids.ID
	dirty bool
}

// NewAccumulator returns an empty membership accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		index: make(map[ids.NodeID]int),
	}
}

// Add inserts an operator. Adding a present member is a no-op; the
// return value reports whether the set changed.
func (a *Accumulator) Add(operator ids.NodeID) bool {
	if _, ok := a.index[operator]; ok {
		return false
	}
	a.index[operator] = len(a.leaves)
	a.leaves = append(a.leaves, leafHash(operator))
	a.dirty = true
	return true
}

// Remove zeroes the operator's leaf. The leaf index is not reused.
func (a *Accumulator) Remove(operator ids.NodeID) error {
	i, ok := a.index[operator]
	if !ok {
		return ErrCiphernodeNotEnabled
	}
	delete(a.index, operator)
	a.leaves[i] = ids.Empty
	a.dirty = true
	return nil
}

// Contains reports whether the operator is a current member.
func (a *Accumulator) Contains(operator ids.NodeID) bool {
	_, ok := a.index[operator]
	return ok
}

// Len returns the number of current members.
func (a *Accumulator) Len() int {
	return len(a.index)
}

// Members returns the current member set in leaf order.
func (a *Accumulator) Members() []ids.NodeID {
	members := make([]ids.NodeID, 0, len(a.index))
	ordered := make([]ids.NodeID, len(a.leaves))
	for node, i := range a.index {
		ordered[i] = node
	}
	for i, node := range ordered {
		if a.leaves[i] != ids.Empty {
			members = append(members, node)
		}
	}
	return members
}

// Root returns the accumulator root: the leaves folded pairwise into a
// binary hash tree, an absent right sibling standing in as the zero
// hash. An empty accumulator has the empty root.
func (a *Accumulator) Root() ids.ID {
	if !a.dirty {
		return a.root
	}

	level := make([]ids.ID, len(a.leaves))
	copy(level, a.leaves)
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := ids.Empty
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		level = next
	}

	if len(level) == 0 {
		a.root = ids.Empty
	} else {
		a.root = level[0]
	}
	a.dirty = false
	return a.root
}

func leafHash(operator ids.NodeID) ids.ID {
	return hashing.ComputeHash256Array(operator[:])
}

func nodeHash(left, right ids.ID) ids.ID {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return hashing.ComputeHash256Array(buf)
}
