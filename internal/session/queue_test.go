// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/torrentd/internal/engine"
)

func ids(names ...string) []engine.ID {
	out := make([]engine.ID, len(names))
	for i, n := range names {
		out[i] = engine.ID(n)
	}
	return out
}

// assertDense checks the core queue invariant: positions form exactly [0, N)
// with no gaps or duplicates, consistent with the order slice.
func assertDense(t *testing.T, q *QueueManager) {
	t.Helper()
	snapshot := q.Snapshot()
	require.Len(t, q.pos, len(snapshot))
	for i, id := range snapshot {
		assert.Equal(t, i, q.Position(id), "position of %s", id)
	}
}

func newQueue(names ...string) *QueueManager {
	q := NewQueueManager()
	for _, n := range names {
		q.Enqueue(engine.ID(n), false)
	}
	return q
}

func TestQueueEnqueue(t *testing.T) {
	q := NewQueueManager()

	assert.Equal(t, 0, q.Enqueue("a", false))
	assert.Equal(t, 1, q.Enqueue("b", false))
	assert.Equal(t, 0, q.Enqueue("c", true))

	assert.Equal(t, ids("c", "a", "b"), q.Snapshot())
	assertDense(t, q)

	// Re-enqueueing an existing torrent is a no-op.
	assert.Equal(t, 1, q.Enqueue("a", true))
	assert.Equal(t, ids("c", "a", "b"), q.Snapshot())
}

func TestQueueRemove(t *testing.T) {
	q := newQueue("a", "b", "c", "d")

	q.Remove("b")
	assert.Equal(t, ids("a", "c", "d"), q.Snapshot())
	assert.Equal(t, -1, q.Position("b"))
	assertDense(t, q)

	q.Remove("missing")
	assert.Equal(t, ids("a", "c", "d"), q.Snapshot())
	assertDense(t, q)
}

func TestQueueRebuild(t *testing.T) {
	q := newQueue("a", "b")
	q.Rebuild(ids("x", "y", "z"))

	assert.Equal(t, ids("x", "y", "z"), q.Snapshot())
	assert.Equal(t, -1, q.Position("a"))
	assertDense(t, q)
}

func TestQueueTopAndBottom(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		top      bool
		expected []engine.ID
	}{
		{
			name:     "top_preserves_relative_order",
			selected: []string{"d", "b"},
			top:      true,
			expected: ids("b", "d", "a", "c", "e"),
		},
		{
			name:     "top_of_front_block_is_noop",
			selected: []string{"a", "b"},
			top:      true,
			expected: ids("a", "b", "c", "d", "e"),
		},
		{
			name:     "bottom_preserves_relative_order",
			selected: []string{"a", "c"},
			top:      false,
			expected: ids("b", "d", "e", "a", "c"),
		},
		{
			name:     "unknown_ids_ignored",
			selected: []string{"nope", "c"},
			top:      true,
			expected: ids("c", "a", "b", "d", "e"),
		},
		{
			name:     "all_unknown_is_noop",
			selected: []string{"x", "y"},
			top:      true,
			expected: ids("a", "b", "c", "d", "e"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue("a", "b", "c", "d", "e")
			if tt.top {
				q.Top(ids(tt.selected...))
			} else {
				q.Bottom(ids(tt.selected...))
			}
			assert.Equal(t, tt.expected, q.Snapshot())
			assertDense(t, q)
		})
	}
}

func TestQueueIncreaseDecrease(t *testing.T) {
	tests := []struct {
		name     string
		increase bool
		selected []string
		expected []engine.ID
	}{
		{
			name:     "increase_single",
			increase: true,
			selected: []string{"c"},
			expected: ids("a", "c", "b", "d", "e"),
		},
		{
			name:     "increase_at_front_stays",
			increase: true,
			selected: []string{"a"},
			expected: ids("a", "b", "c", "d", "e"),
		},
		{
			name:     "increase_packed_front_block_stays",
			increase: true,
			selected: []string{"a", "b", "c"},
			expected: ids("a", "b", "c", "d", "e"),
		},
		{
			name:     "increase_two_adjacent",
			increase: true,
			selected: []string{"c", "d"},
			expected: ids("a", "c", "d", "b", "e"),
		},
		{
			name:     "decrease_single",
			increase: false,
			selected: []string{"c"},
			expected: ids("a", "b", "d", "c", "e"),
		},
		{
			name:     "decrease_at_rear_stays",
			increase: false,
			selected: []string{"e"},
			expected: ids("a", "b", "c", "d", "e"),
		},
		{
			name:     "decrease_packed_rear_block_stays",
			increase: false,
			selected: []string{"d", "e"},
			expected: ids("a", "b", "c", "d", "e"),
		},
		{
			name:     "decrease_two_adjacent",
			increase: false,
			selected: []string{"b", "c"},
			expected: ids("a", "d", "b", "c", "e"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue("a", "b", "c", "d", "e")
			if tt.increase {
				q.Increase(ids(tt.selected...))
			} else {
				q.Decrease(ids(tt.selected...))
			}
			assert.Equal(t, tt.expected, q.Snapshot())
			assertDense(t, q)
		})
	}
}

// TestQueueDenseAfterMixedOps churns the queue through every operation and
// verifies the dense invariant holds at each step.
func TestQueueDenseAfterMixedOps(t *testing.T) {
	q := newQueue("a", "b", "c", "d", "e", "f", "g")

	steps := []func(){
		func() { q.Top(ids("f", "c")) },
		func() { q.Remove("a") },
		func() { q.Decrease(ids("f")) },
		func() { q.Enqueue("h", true) },
		func() { q.Increase(ids("g", "h")) },
		func() { q.Bottom(ids("b")) },
		func() { q.Remove("c") },
		func() { q.Enqueue("i", false) },
	}
	for i, step := range steps {
		step()
		assertDense(t, q)
		assert.NotZero(t, q.Len(), "step %d", i)
	}
	assert.Equal(t, 7, q.Len())
}
