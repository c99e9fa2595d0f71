// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestScoreDeterministic(t *testing.T) {
	require := require.New(t)

	op := ids.GenerateTestNodeID()
	taskID := ids.GenerateTestID()
	seed := ids.GenerateTestID()

	require.Equal(Score(op, 1, taskID, seed), Score(op, 1, taskID, seed))
	require.NotEqual(Score(op, 1, taskID, seed), Score(op, 2, taskID, seed))
	require.NotEqual(Score(op, 1, taskID, seed), Score(op, 1, taskID, ids.GenerateTestID()))
}

func TestPoolBounded(t *testing.T) {
	require := require.New(t)

	pool := NewPool(3)
	taskID := ids.GenerateTestID()
	seed := ids.GenerateTestID()

	var rejectedScores []ids.ID
	for i := 0; i < 20; i++ {
		op := ids.GenerateTestNodeID()
		score := Score(op, 1, taskID, seed)
		retained := pool.Insert(Entry{Score: score, Operator: op, TicketNumber: 1})
		require.LessOrEqual(pool.Len(), 3)
		if !retained {
			rejectedScores = append(rejectedScores, score)
		}
	}
	require.Equal(3, pool.Len())

	// Every retained score is <= every rejected score.
	worst, ok := pool.Worst()
	require.True(ok)
	for _, rejected := range rejectedScores {
		require.True(bytes.Compare(worst.Score[:], rejected[:]) <= 0)
	}

	// Entries come back ascending.
	entries := pool.Entries()
	for i := 1; i < len(entries); i++ {
		require.True(bytes.Compare(entries[i-1].Score[:], entries[i].Score[:]) <= 0)
	}
}

func TestPoolStrictDisplacement(t *testing.T) {
	require := require.New(t)

	pool := NewPool(1)
	incumbent := Entry{Score: ids.ID{0x10}, Operator: ids.GenerateTestNodeID()}
	require.True(pool.Insert(incumbent))

	// An equal score never displaces the incumbent.
	challenger := Entry{Score: ids.ID{0x10}, Operator: ids.GenerateTestNodeID()}
	require.False(pool.Insert(challenger))
	worst, _ := pool.Worst()
	require.Equal(incumbent.Operator, worst.Operator)

	// A higher score never displaces.
	require.False(pool.Insert(Entry{Score: ids.ID{0x20}, Operator: ids.GenerateTestNodeID()}))

	// A strictly lower score does.
	better := Entry{Score: ids.ID{0x01}, Operator: ids.GenerateTestNodeID()}
	require.True(pool.Insert(better))
	require.Equal(1, pool.Len())
	worst, _ = pool.Worst()
	require.Equal(better.Operator, worst.Operator)
}
