// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/torrentd/internal/engine"
)

var (
	ErrDuplicateTorrent = errors.New("torrent already in session")
	ErrUnknownTorrent   = errors.New("unknown torrent")
	ErrRemovalPending   = errors.New("torrent removal in progress")
)

// ManagementMode selects how a torrent's save path is derived.
type ManagementMode int

const (
	// Manual keeps the save path the caller supplied.
	Manual ManagementMode = iota
	// Automatic derives the save path from the category tree.
	Automatic
)

// TrackerStatus is the last observed announce outcome for one tracker URL.
type TrackerStatus struct {
	URL       string
	Working   bool
	Message   string
	NumPeers  int
	UpdatedAt time.Time
}

// TorrentRecord is the session-side state of one registered torrent. Records
// are owned by the session's run goroutine; nothing outside the session
// package ever holds a pointer to one.
type TorrentRecord struct {
	ID           engine.ID
	Handle       engine.Handle
	Name         string
	Category     string
	Tags         []string
	SavePath     string
	DownloadPath string
	Mode         ManagementMode
	Stopped      bool
	Finished     bool
	State        engine.State
	Progress     float64
	QueuePos     int // -1 when not queued

	StopCondition engine.StopCondition
	InfoBytes     []byte
	MagnetURI     string
	Trackers      []string
	TrackerStats  map[string]TrackerStatus
	AddedAt       time.Time
}

func (r *TorrentRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Registry maps torrent IDs to their records. It is a plain map wrapper; all
// access is marshalled through the session goroutine.
type Registry struct {
	torrents map[engine.ID]*TorrentRecord
}

func NewRegistry() *Registry {
	return &Registry{torrents: make(map[engine.ID]*TorrentRecord)}
}

func (r *Registry) Add(rec *TorrentRecord) error {
	if _, ok := r.torrents[rec.ID]; ok {
		return errors.Wrapf(ErrDuplicateTorrent, "torrent %s", rec.ID)
	}
	r.torrents[rec.ID] = rec
	return nil
}

func (r *Registry) Get(id engine.ID) (*TorrentRecord, bool) {
	rec, ok := r.torrents[id]
	return rec, ok
}

func (r *Registry) Known(id engine.ID) bool {
	_, ok := r.torrents[id]
	return ok
}

// Remove detaches the record and returns it, or nil if unknown.
func (r *Registry) Remove(id engine.ID) *TorrentRecord {
	rec, ok := r.torrents[id]
	if !ok {
		return nil
	}
	delete(r.torrents, id)
	return rec
}

func (r *Registry) Len() int {
	return len(r.torrents)
}

// All returns the records sorted by ID for deterministic iteration.
func (r *Registry) All() []*TorrentRecord {
	recs := make([]*TorrentRecord, 0, len(r.torrents))
	for _, rec := range r.torrents {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

// InCategory returns the records whose category is exactly name, or any
// descendant of name when includeSub is set.
func (r *Registry) InCategory(name string, includeSub bool) []*TorrentRecord {
	var recs []*TorrentRecord
	for _, rec := range r.torrents {
		if rec.Category == name || (includeSub && isSubcategoryOf(rec.Category, name)) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}
