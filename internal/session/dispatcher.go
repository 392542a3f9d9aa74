// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"sort"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torrentd/internal/engine"
)

// handlerFailureThreshold is how many consecutive handler failures for one
// torrent escalate to a torrentError event.
const handlerFailureThreshold = 3

// fileErrorTTL is how long a torrent's disk error stays deduplicated before
// a repeat is surfaced again.
const fileErrorTTL = time.Minute

// dispatcher drains the engine alert queue and routes each alert to its
// handler. It runs on the session's owner goroutine, so handlers mutate
// session state directly. A failing handler never stops the drain: the error
// is counted per torrent and escalated after repeated failures.
type dispatcher struct {
	s *Session

	recentFileErrors *ttlcache.Cache[engine.ID, struct{}]
	failures         map[engine.ID]int

	// Per-drain coalescing state.
	trackerTouched map[engine.ID]struct{}
	finishedAny    bool
}

func newDispatcher(s *Session) *dispatcher {
	return &dispatcher{
		s: s,
		recentFileErrors: ttlcache.New(
			ttlcache.Options[engine.ID, struct{}]{}.SetDefaultTTL(fileErrorTTL)),
		failures:       make(map[engine.ID]int),
		trackerTouched: make(map[engine.ID]struct{}),
	}
}

func (d *dispatcher) close() {
	d.recentFileErrors.Close()
}

// drain processes everything currently pending on the engine without
// waiting. Tracker updates are coalesced into one trackersUpdated event per
// drain; allTorrentsFinished fires at most once per drain.
func (d *dispatcher) drain() {
	alerts := d.s.eng.PollAlerts(d.s.loopCtx, 0)
	if len(alerts) == 0 {
		return
	}

	d.finishedAny = false
	for _, a := range alerts {
		d.s.stats.AlertsDispatched.Add(1)
		if err := d.dispatch(a); err != nil {
			d.noteFailure(a, err)
		} else if id := a.Torrent(); id != "" {
			delete(d.failures, id)
		}
	}

	if len(d.trackerTouched) > 0 {
		ids := make([]engine.ID, 0, len(d.trackerTouched))
		for id := range d.trackerTouched {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		d.s.publish(Event{Type: EventTrackersUpdated, IDs: ids})
		d.trackerTouched = make(map[engine.ID]struct{})
	}

	if d.finishedAny && d.noneDownloading() {
		d.s.publish(Event{Type: EventAllTorrentsFinished})
	}
}

func (d *dispatcher) dispatch(a engine.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("alert handler panicked: %v", r)
		}
	}()

	switch al := a.(type) {
	case engine.StateUpdateAlert:
		d.handleStateUpdate(al)
	case engine.MetadataReceivedAlert:
		d.handleMetadataReceived(al)
	case engine.TorrentRemovedAlert:
		d.handleTorrentRemoved(al)
	case engine.TorrentDeletedAlert:
		d.handleTorrentDeleted(al)
	case engine.TorrentDeleteFailedAlert:
		d.handleTorrentDeleteFailed(al)
	case engine.StorageMovedAlert:
		d.handleStorageMoved(al)
	case engine.StorageMoveFailedAlert:
		d.handleStorageMoveFailed(al)
	case engine.FileErrorAlert:
		d.handleFileError(al)
	case engine.TrackerReplyAlert:
		d.handleTrackerReply(al)
	case engine.TrackerWarningAlert:
		d.handleTrackerWarning(al)
	case engine.TrackerErrorAlert:
		d.handleTrackerError(al)
	case engine.TorrentFinishedAlert:
		d.handleTorrentFinished(al)
	case engine.TorrentCheckedAlert:
		d.handleTorrentChecked(al)
	case engine.AddFailedAlert:
		d.handleAddFailed(al)
	default:
		// Unknown kinds are ignored so the engine can grow new alerts.
	}
	return nil
}

func (d *dispatcher) noteFailure(a engine.Alert, err error) {
	d.s.stats.HandlerFailures.Add(1)
	id := a.Torrent()
	log.Error().Err(err).Int("kind", int(a.Kind())).Str("hash", string(id)).
		Msg("Alert handler failed")
	if id == "" {
		return
	}
	d.failures[id]++
	if d.failures[id] >= handlerFailureThreshold {
		delete(d.failures, id)
		d.s.publish(Event{Type: EventTorrentError, ID: id, Reason: err.Error()})
	}
}

func (d *dispatcher) handleStateUpdate(al engine.StateUpdateAlert) {
	for _, st := range al.Statuses {
		rec, ok := d.s.registry.Get(st.ID)
		if !ok {
			continue
		}
		prev := rec.State
		rec.State = st.State
		rec.Progress = st.Progress

		if prev == st.State {
			continue
		}
		switch {
		case st.State == engine.StateStopped:
			rec.Stopped = true
			d.s.markDirty(rec.ID)
			d.s.publish(Event{Type: EventTorrentStopped, ID: rec.ID, Name: rec.Name})
		case prev == engine.StateStopped || prev == engine.StateUnknown:
			if rec.Stopped {
				rec.Stopped = false
				d.s.markDirty(rec.ID)
			}
			d.s.publish(Event{Type: EventTorrentStarted, ID: rec.ID, Name: rec.Name})
		}
	}
}

func (d *dispatcher) handleMetadataReceived(al engine.MetadataReceivedAlert) {
	// Metadata-only fetches complete here: deliver the descriptor, drop the
	// engine-side torrent, never touch the registry.
	if p, ok := d.s.metadata.Take(al.ID); ok {
		if err := d.s.eng.Remove(p.handle, false); err != nil {
			log.Error().Err(err).Str("hash", string(al.ID)).Msg("Failed to drop completed metadata download")
		}
		d.s.publish(Event{Type: EventMetadataDownloaded, ID: al.ID, Name: al.Info.Name})
		return
	}

	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	if rec.Name == "" || rec.Name == string(al.ID) {
		rec.Name = al.Info.Name
	}
	if len(rec.InfoBytes) == 0 {
		rec.InfoBytes = al.Info.InfoBytes
	}
	d.s.markDirty(al.ID)
	if rec.StopCondition == engine.StopOnMetadataReceived && !rec.Stopped {
		if err := d.s.eng.Stop(rec.Handle); err != nil {
			log.Error().Err(err).Str("hash", string(rec.ID)).Msg("Failed to stop torrent transfers")
		}
		rec.Stopped = true
		d.s.publish(Event{Type: EventTorrentStopped, ID: rec.ID, Name: rec.Name})
	}
}

func (d *dispatcher) handleTorrentRemoved(al engine.TorrentRemovedAlert) {
	p, _ := d.s.removals.EngineRemoved(al.ID)
	if p == nil {
		return
	}
	d.s.enqueueFlush(flushOp{kind: flushDelete, id: al.ID})
	d.s.publish(Event{Type: EventTorrentRemoved, ID: al.ID, Name: p.name})
}

func (d *dispatcher) handleTorrentDeleted(al engine.TorrentDeletedAlert) {
	if p, done := d.s.removals.ContentResolved(al.ID); p != nil && done {
		log.Debug().Str("hash", string(al.ID)).Str("name", p.name).Msg("Torrent content deleted")
	}
}

func (d *dispatcher) handleTorrentDeleteFailed(al engine.TorrentDeleteFailedAlert) {
	p, _ := d.s.removals.ContentResolved(al.ID)
	name := ""
	if p != nil {
		name = p.name
	}
	log.Error().Str("hash", string(al.ID)).Str("name", name).Str("reason", al.Reason).
		Msg("Failed to delete torrent content")
	d.s.publish(Event{Type: EventContentDeleteFailed, ID: al.ID, Name: name, Reason: al.Reason})
}

func (d *dispatcher) handleStorageMoved(al engine.StorageMovedAlert) {
	d.s.moves.Advance(al.ID)
	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	rec.SavePath = al.Path
	d.s.markDirty(al.ID)
	d.s.publish(Event{Type: EventSavePathChanged, ID: al.ID, Name: rec.Name, Path: al.Path})
}

func (d *dispatcher) handleStorageMoveFailed(al engine.StorageMoveFailedAlert) {
	d.s.moves.Advance(al.ID)
	name := ""
	if rec, ok := d.s.registry.Get(al.ID); ok {
		name = rec.Name
	}
	log.Error().Str("hash", string(al.ID)).Str("path", al.Path).Str("reason", al.Reason).
		Msg("Storage move failed")
	d.s.publish(Event{Type: EventStorageMoveFailed, ID: al.ID, Name: name, Path: al.Path, Reason: al.Reason})
}

func (d *dispatcher) handleFileError(al engine.FileErrorAlert) {
	// One event per torrent per TTL window, however often the engine repeats
	// the alert.
	if _, seen := d.recentFileErrors.Get(al.ID); seen {
		return
	}
	d.recentFileErrors.Set(al.ID, struct{}{}, ttlcache.DefaultTTL)

	name := ""
	if rec, ok := d.s.registry.Get(al.ID); ok {
		name = rec.Name
		rec.State = engine.StateError
		d.s.markDirty(al.ID)
	}
	d.s.publish(Event{Type: EventFullDiskError, ID: al.ID, Name: name, Path: al.File, Reason: al.Reason})
}

func (d *dispatcher) handleTrackerReply(al engine.TrackerReplyAlert) {
	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	rec.TrackerStats[al.Tracker] = TrackerStatus{
		URL:       al.Tracker,
		Working:   true,
		NumPeers:  al.NumPeers,
		UpdatedAt: d.s.now(),
	}
	d.trackerTouched[al.ID] = struct{}{}
	d.s.publish(Event{Type: EventTrackerSuccess, ID: al.ID, Tracker: al.Tracker})
}

func (d *dispatcher) handleTrackerWarning(al engine.TrackerWarningAlert) {
	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	rec.TrackerStats[al.Tracker] = TrackerStatus{
		URL:       al.Tracker,
		Working:   true,
		Message:   al.Message,
		UpdatedAt: d.s.now(),
	}
	d.trackerTouched[al.ID] = struct{}{}
	d.s.publish(Event{Type: EventTrackerWarning, ID: al.ID, Tracker: al.Tracker, Reason: al.Message})
}

func (d *dispatcher) handleTrackerError(al engine.TrackerErrorAlert) {
	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	rec.TrackerStats[al.Tracker] = TrackerStatus{
		URL:       al.Tracker,
		Working:   false,
		Message:   al.Message,
		UpdatedAt: d.s.now(),
	}
	d.trackerTouched[al.ID] = struct{}{}
	d.s.publish(Event{Type: EventTrackerError, ID: al.ID, Tracker: al.Tracker, Reason: al.Message})
}

func (d *dispatcher) handleTorrentFinished(al engine.TorrentFinishedAlert) {
	rec, ok := d.s.registry.Get(al.ID)
	if !ok || rec.Finished {
		return
	}
	rec.Finished = true
	d.finishedAny = true

	// Finished torrents leave the download queue.
	d.s.queue.Remove(al.ID)
	rec.QueuePos = -1
	d.s.syncQueuePositions()

	// Content graduates from the incomplete directory to the save path.
	if rec.DownloadPath != "" && rec.DownloadPath != rec.SavePath {
		if err := d.s.moves.Enqueue(MoveStorageJob{
			ID:         al.ID,
			TargetPath: rec.SavePath,
			Mode:       engine.MoveKeepExistingFiles,
		}); err != nil {
			log.Error().Err(err).Str("hash", string(al.ID)).Msg("Failed to relocate finished torrent")
		}
	}

	d.s.markDirty(al.ID)
	d.s.publish(Event{Type: EventTorrentFinished, ID: al.ID, Name: rec.Name})
}

func (d *dispatcher) handleTorrentChecked(al engine.TorrentCheckedAlert) {
	rec, ok := d.s.registry.Get(al.ID)
	if !ok {
		return
	}
	d.s.publish(Event{Type: EventTorrentFinishedChecking, ID: al.ID, Name: rec.Name})
	if rec.StopCondition == engine.StopOnFilesChecked && !rec.Stopped {
		if err := d.s.eng.Stop(rec.Handle); err != nil {
			log.Error().Err(err).Str("hash", string(rec.ID)).Msg("Failed to stop torrent transfers")
		}
		rec.Stopped = true
		d.s.markDirty(al.ID)
		d.s.publish(Event{Type: EventTorrentStopped, ID: rec.ID, Name: rec.Name})
	}
}

func (d *dispatcher) handleAddFailed(al engine.AddFailedAlert) {
	if rec := d.s.registry.Remove(al.ID); rec != nil {
		d.s.queue.Remove(al.ID)
		d.s.syncQueuePositions()
		delete(d.s.dirty, al.ID)
		d.s.enqueueFlush(flushOp{kind: flushDelete, id: al.ID})
		log.Error().Str("hash", string(al.ID)).Str("name", rec.Name).Str("reason", al.Reason).
			Msg("Engine rejected torrent after add")
	}
	d.s.publish(Event{Type: EventAddTorrentFailed, ID: al.ID, Reason: al.Reason})
}

// noneDownloading reports whether no registered torrent is still fetching
// data.
func (d *dispatcher) noneDownloading() bool {
	for _, rec := range d.s.registry.All() {
		if rec.Finished || rec.Stopped {
			continue
		}
		switch rec.State {
		case engine.StateDownloading, engine.StateDownloadingMetadata, engine.StateCheckingFiles:
			return false
		}
	}
	return true
}
