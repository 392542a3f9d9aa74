// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"time"

	"github.com/autobrr/torrentd/internal/engine"
)

// pendingMetadata is one metadata-only fetch in flight. The fetch holds its
// own engine handle: the torrent is deliberately kept out of the registry so
// it never shows up in listings or resume data.
type pendingMetadata struct {
	id       engine.ID
	handle   engine.Handle
	deadline time.Time
}

// MetadataTracker tracks magnet fetches that download only the torrent
// descriptor. Entries leave the tracker when metadata arrives, when the
// caller cancels, or when the deadline passes.
type MetadataTracker struct {
	pending map[engine.ID]*pendingMetadata
}

func NewMetadataTracker() *MetadataTracker {
	return &MetadataTracker{pending: make(map[engine.ID]*pendingMetadata)}
}

func (m *MetadataTracker) Len() int {
	return len(m.pending)
}

func (m *MetadataTracker) Has(id engine.ID) bool {
	_, ok := m.pending[id]
	return ok
}

func (m *MetadataTracker) Add(id engine.ID, h engine.Handle, deadline time.Time) {
	m.pending[id] = &pendingMetadata{id: id, handle: h, deadline: deadline}
}

// Take removes and returns the entry for id, if present.
func (m *MetadataTracker) Take(id engine.ID) (*pendingMetadata, bool) {
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return p, ok
}

// Expired removes and returns every entry whose deadline has passed.
func (m *MetadataTracker) Expired(now time.Time) []*pendingMetadata {
	var out []*pendingMetadata
	for id, p := range m.pending {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			out = append(out, p)
			delete(m.pending, id)
		}
	}
	return out
}
