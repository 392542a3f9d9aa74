// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/torrentd/internal/engine"
)

// EventType identifies a domain event emitted by the session.
type EventType string

const (
	EventTorrentAdded            EventType = "torrentAdded"
	EventTorrentRemoved          EventType = "torrentRemoved"
	EventRemovalPending          EventType = "removalPending"
	EventTorrentStarted          EventType = "torrentStarted"
	EventTorrentStopped          EventType = "torrentStopped"
	EventTorrentFinished         EventType = "torrentFinished"
	EventTorrentFinishedChecking EventType = "torrentFinishedChecking"
	EventAllTorrentsFinished     EventType = "allTorrentsFinished"
	EventMetadataDownloaded      EventType = "metadataDownloaded"
	EventCategoryAdded           EventType = "categoryAdded"
	EventCategoryRemoved         EventType = "categoryRemoved"
	EventCategoryChanged         EventType = "categoryChanged"
	EventTagAdded                EventType = "tagAdded"
	EventTagRemoved              EventType = "tagRemoved"
	EventTrackerSuccess          EventType = "trackerSuccess"
	EventTrackerWarning          EventType = "trackerWarning"
	EventTrackerError            EventType = "trackerError"
	EventTrackersUpdated         EventType = "trackersUpdated"
	EventSavePathChanged         EventType = "savePathChanged"
	EventStorageMoveFailed       EventType = "storageMoveFailed"
	EventFullDiskError           EventType = "fullDiskError"
	EventTorrentError            EventType = "torrentError"
	EventStartupProgress         EventType = "startupProgress"
	EventLoadTorrentFailed       EventType = "loadTorrentFailed"
	EventAddTorrentFailed        EventType = "addTorrentFailed"
	EventContentDeleteFailed     EventType = "contentDeleteFailed"
	EventRestored                EventType = "restored"
	EventPaused                  EventType = "paused"
	EventResumed                 EventType = "resumed"
)

// Event is a typed domain event. Only the fields relevant to the event type
// are populated.
type Event struct {
	Type     EventType
	ID       engine.ID
	IDs      []engine.ID // trackersUpdated
	Name     string
	Category string
	Tag      string
	Tracker  string
	Path     string
	Reason   string
	Progress int // startupProgress, 0-100
}

// publisher fans events out to subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than stalling the
// session's owner goroutine.
type publisher struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

func newPublisher() *publisher {
	return &publisher{}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (p *publisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

func (p *publisher) publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("event", string(ev.Type)).Msg("Dropping event for slow subscriber")
		}
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
