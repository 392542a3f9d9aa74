// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"github.com/autobrr/torrentd/internal/engine"
)

// RemoveOption selects what happens to downloaded files on removal.
type RemoveOption int

const (
	KeepContent RemoveOption = iota
	RemoveContent
)

// pendingRemoval is one torrent mid-removal. The record is already out of the
// registry; the ID stays reserved here until every engine confirmation has
// arrived, so re-adding the same torrent during teardown is rejected.
type pendingRemoval struct {
	name            string
	contentPath     string
	option          RemoveOption
	engineConfirmed bool
	contentResolved bool
}

func (p *pendingRemoval) done() bool {
	if !p.engineConfirmed {
		return false
	}
	return p.option == KeepContent || p.contentResolved
}

// RemovalTracker holds torrents between removal request and final engine
// confirmation.
type RemovalTracker struct {
	pending map[engine.ID]*pendingRemoval
}

func NewRemovalTracker() *RemovalTracker {
	return &RemovalTracker{pending: make(map[engine.ID]*pendingRemoval)}
}

func (t *RemovalTracker) Len() int {
	return len(t.pending)
}

func (t *RemovalTracker) Pending(id engine.ID) bool {
	_, ok := t.pending[id]
	return ok
}

func (t *RemovalTracker) Begin(id engine.ID, name, contentPath string, option RemoveOption) {
	t.pending[id] = &pendingRemoval{
		name:        name,
		contentPath: contentPath,
		option:      option,
	}
}

// EngineRemoved records the engine-side detach confirmation. Returns the
// entry and whether the removal is now fully complete.
func (t *RemovalTracker) EngineRemoved(id engine.ID) (*pendingRemoval, bool) {
	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	p.engineConfirmed = true
	if p.done() {
		delete(t.pending, id)
		return p, true
	}
	return p, false
}

// ContentResolved records the content-deletion outcome, success or failure.
// Either way the removal no longer waits on content.
func (t *RemovalTracker) ContentResolved(id engine.ID) (*pendingRemoval, bool) {
	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	p.contentResolved = true
	if p.done() {
		delete(t.pending, id)
		return p, true
	}
	return p, false
}
