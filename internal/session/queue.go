// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"sort"

	"github.com/autobrr/torrentd/internal/engine"
)

// QueueManager keeps the download priority order. Positions are always dense:
// after every mutation they form exactly [0, N) with no gaps or duplicates.
// Torrents that are not queued (queueing disabled, or finished) simply do not
// appear here and report position -1.
type QueueManager struct {
	order []engine.ID
	pos   map[engine.ID]int
}

func NewQueueManager() *QueueManager {
	return &QueueManager{pos: make(map[engine.ID]int)}
}

func (q *QueueManager) Len() int {
	return len(q.order)
}

// Position reports the current queue position of id, or -1 if not queued.
func (q *QueueManager) Position(id engine.ID) int {
	if p, ok := q.pos[id]; ok {
		return p
	}
	return -1
}

// Snapshot returns the queue order front to rear.
func (q *QueueManager) Snapshot() []engine.ID {
	out := make([]engine.ID, len(q.order))
	copy(out, q.order)
	return out
}

// Enqueue appends id at the rear, or the front when top is set, and returns
// its position.
func (q *QueueManager) Enqueue(id engine.ID, top bool) int {
	if _, ok := q.pos[id]; ok {
		return q.pos[id]
	}
	if top {
		q.order = append([]engine.ID{id}, q.order...)
	} else {
		q.order = append(q.order, id)
	}
	q.renumber()
	return q.pos[id]
}

// Remove drops id from the queue and renumbers the remainder densely.
func (q *QueueManager) Remove(id engine.ID) {
	p, ok := q.pos[id]
	if !ok {
		return
	}
	q.order = append(q.order[:p], q.order[p+1:]...)
	delete(q.pos, id)
	q.renumber()
}

// Rebuild replaces the whole queue with ids in the given order. Used once at
// startup after all resume entries are registered.
func (q *QueueManager) Rebuild(ids []engine.ID) {
	q.order = make([]engine.ID, len(ids))
	copy(q.order, ids)
	q.pos = make(map[engine.ID]int, len(ids))
	q.renumber()
}

// Top moves the selected torrents to the front, preserving their current
// relative order. Unknown IDs are ignored.
func (q *QueueManager) Top(ids []engine.ID) {
	selected, rest := q.partition(ids)
	if len(selected) == 0 {
		return
	}
	q.order = append(selected, rest...)
	q.renumber()
}

// Bottom moves the selected torrents to the rear, preserving their current
// relative order.
func (q *QueueManager) Bottom(ids []engine.ID) {
	selected, rest := q.partition(ids)
	if len(selected) == 0 {
		return
	}
	q.order = append(rest, selected...)
	q.renumber()
}

// Increase moves each selected torrent one slot toward the front. A block of
// selected torrents already packed against the front stays put instead of
// reordering among itself.
func (q *QueueManager) Increase(ids []engine.ID) {
	selected, _ := q.partition(ids)
	if len(selected) == 0 {
		return
	}

	target := make(map[engine.ID]int, len(selected))
	minFree := 0
	for _, id := range selected { // ascending by current position
		np := q.pos[id] - 1
		if np < minFree {
			np = minFree
		}
		target[id] = np
		minFree = np + 1
	}
	q.place(target)
}

// Decrease mirrors Increase toward the rear.
func (q *QueueManager) Decrease(ids []engine.ID) {
	selected, _ := q.partition(ids)
	if len(selected) == 0 {
		return
	}

	target := make(map[engine.ID]int, len(selected))
	maxFree := len(q.order) - 1
	for i := len(selected) - 1; i >= 0; i-- { // descending by current position
		id := selected[i]
		np := q.pos[id] + 1
		if np > maxFree {
			np = maxFree
		}
		target[id] = np
		maxFree = np - 1
	}
	q.place(target)
}

// partition splits the queue into the known members of ids (sorted by current
// position) and everything else (in current order).
func (q *QueueManager) partition(ids []engine.ID) (selected, rest []engine.ID) {
	want := make(map[engine.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := q.pos[id]; ok {
			want[id] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil, q.order
	}

	for _, id := range q.order {
		if _, ok := want[id]; ok {
			selected = append(selected, id)
		} else {
			rest = append(rest, id)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return q.pos[selected[i]] < q.pos[selected[j]] })
	return selected, rest
}

// place rebuilds the order with the targeted torrents pinned at their new
// positions and everyone else filling the remaining slots in current order.
func (q *QueueManager) place(target map[engine.ID]int) {
	result := make([]engine.ID, len(q.order))
	taken := make([]bool, len(q.order))
	for id, p := range target {
		result[p] = id
		taken[p] = true
	}

	slot := 0
	for _, id := range q.order {
		if _, ok := target[id]; ok {
			continue
		}
		for taken[slot] {
			slot++
		}
		result[slot] = id
		taken[slot] = true
	}

	q.order = result
	q.renumber()
}

func (q *QueueManager) renumber() {
	for i, id := range q.order {
		q.pos[id] = i
	}
}
