// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine defines the port to the transfer engine: the component that
// owns protocol work, piece I/O and peer discovery. The session never talks to
// the wire itself; it submits requests through Engine and observes results via
// the alert queue returned from PollAlerts.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ID is the content-derived torrent identifier (hex-encoded infohash).
// It is immutable and unique across every session structure.
type ID string

// ParseID validates and normalizes a hex infohash string.
func ParseID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 40 && len(s) != 64 {
		return "", fmt.Errorf("invalid torrent id length %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid torrent id: %w", err)
	}
	return ID(s), nil
}

// State is the engine-reported lifecycle state of a torrent.
type State int

const (
	StateUnknown State = iota
	StateCheckingFiles
	StateDownloadingMetadata
	StateDownloading
	StateFinished
	StateSeeding
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCheckingFiles:
		return "checkingFiles"
	case StateDownloadingMetadata:
		return "downloadingMetadata"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StopCondition controls when a newly added torrent is stopped automatically.
type StopCondition int

const (
	StopNever StopCondition = iota
	StopOnMetadataReceived
	StopOnFilesChecked
)

// MoveMode controls how existing files at the target path are treated.
type MoveMode int

const (
	MoveKeepExistingFiles MoveMode = iota
	MoveOverwrite
)

// AddParams describes a torrent submission. Exactly one of InfoBytes or
// MagnetURI must be set unless the engine can resolve the swarm from ID and
// Trackers alone (resume re-adds).
type AddParams struct {
	ID           ID
	Name         string
	InfoBytes    []byte // bencoded info dictionary
	MagnetURI    string
	Trackers     []string
	SavePath     string
	Stopped      bool
	MetadataOnly bool
}

// Status is one entry of a coalesced state-update batch.
type Status struct {
	ID             ID
	State          State
	Progress       float64
	DownloadRate   int64
	UploadRate     int64
	BytesCompleted int64
	Length         int64
}

// Metainfo is the subset of a torrent descriptor surfaced on metadata arrival.
type Metainfo struct {
	ID        ID
	Name      string
	Length    int64
	FileCount int
	InfoBytes []byte
}

// Handle is an engine-side torrent reference. The registry owns the handle
// exclusively; other components hold the ID and resolve through the registry.
type Handle interface {
	ID() ID
	Name() string
	HaveMetadata() bool
	BytesCompleted() int64
	Length() int64
}

// Engine is the transfer engine consumed by the session.
//
// Add may block while the engine materializes internal state; callers bound
// concurrent submissions themselves. Remove and MoveStorage return once the
// request is queued; completion arrives as alerts. Stop halts data transfer
// for a torrent without forgetting it; Start re-enables transfer. PollAlerts
// waits up to timeout for at least one alert and returns everything pending,
// preserving per-torrent emission order. Cross-torrent ordering is not
// guaranteed.
type Engine interface {
	Add(ctx context.Context, params AddParams) (Handle, error)
	Remove(h Handle, deleteContent bool) error
	Stop(h Handle) error
	Start(h Handle) error
	MoveStorage(h Handle, targetPath string, mode MoveMode) error
	PollAlerts(ctx context.Context, timeout time.Duration) []Alert
	Close() error
}
