// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torrentd/internal/engine"
)

// MoveStorageJob is one queued storage relocation.
type MoveStorageJob struct {
	ID         engine.ID
	TargetPath string
	Mode       engine.MoveMode
}

// MoveCoordinator serializes storage moves per torrent: at most one move per
// torrent is in flight; further requests for the same torrent queue behind it
// in strict submission order. Moves for different torrents proceed
// independently. Jobs reference torrents by ID and resolve the handle at
// issue time, so a torrent removed while a job waits simply drops the job.
type MoveCoordinator struct {
	eng     engine.Engine
	resolve func(engine.ID) (engine.Handle, bool)

	inflight map[engine.ID]MoveStorageJob
	queued   map[engine.ID][]MoveStorageJob
}

func NewMoveCoordinator(eng engine.Engine, resolve func(engine.ID) (engine.Handle, bool)) *MoveCoordinator {
	return &MoveCoordinator{
		eng:      eng,
		resolve:  resolve,
		inflight: make(map[engine.ID]MoveStorageJob),
		queued:   make(map[engine.ID][]MoveStorageJob),
	}
}

// Enqueue submits a move. It is issued immediately unless another move for
// the same torrent is already in flight.
func (m *MoveCoordinator) Enqueue(job MoveStorageJob) error {
	if _, busy := m.inflight[job.ID]; busy {
		m.queued[job.ID] = append(m.queued[job.ID], job)
		return nil
	}
	return m.issue(job)
}

func (m *MoveCoordinator) issue(job MoveStorageJob) error {
	h, ok := m.resolve(job.ID)
	if !ok {
		return errors.Wrapf(ErrUnknownTorrent, "torrent %s", job.ID)
	}
	if err := m.eng.MoveStorage(h, job.TargetPath, job.Mode); err != nil {
		return errors.Wrapf(err, "failed to move storage for %s", job.ID)
	}
	m.inflight[job.ID] = job
	return nil
}

// Advance consumes the in-flight job for id after its completion alert and
// issues the next queued job for the same torrent, if any. Returns the
// completed job.
func (m *MoveCoordinator) Advance(id engine.ID) (MoveStorageJob, bool) {
	job, ok := m.inflight[id]
	if !ok {
		return MoveStorageJob{}, false
	}
	delete(m.inflight, id)

	for len(m.queued[id]) > 0 {
		next := m.queued[id][0]
		m.queued[id] = m.queued[id][1:]
		if len(m.queued[id]) == 0 {
			delete(m.queued, id)
		}
		if err := m.issue(next); err != nil {
			log.Error().Err(err).Str("hash", string(id)).Str("path", next.TargetPath).
				Msg("Failed to issue queued storage move")
			continue
		}
		break
	}
	return job, true
}

// Abandon drops every queued job for id. An in-flight move cannot be
// cancelled; its completion alert is handled normally.
func (m *MoveCoordinator) Abandon(id engine.ID) {
	delete(m.queued, id)
}

// InFlight reports the active move for id, if any.
func (m *MoveCoordinator) InFlight(id engine.ID) (MoveStorageJob, bool) {
	job, ok := m.inflight[id]
	return job, ok
}

// Busy reports whether any move is in flight or queued.
func (m *MoveCoordinator) Busy() bool {
	return len(m.inflight) > 0 || len(m.queued) > 0
}

// QueuedCount reports the number of jobs waiting behind in-flight moves.
func (m *MoveCoordinator) QueuedCount() int {
	n := 0
	for _, jobs := range m.queued {
		n += len(jobs)
	}
	return n
}

// ActiveCount reports the number of in-flight moves.
func (m *MoveCoordinator) ActiveCount() int {
	return len(m.inflight)
}
