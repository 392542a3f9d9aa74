// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package resumedata persists the per-torrent state needed to rehydrate a
// session after restart without re-fetching metadata. Two interchangeable
// backends exist: a flat file per torrent and a single transactional SQLite
// database. Callers cannot observe which one is configured.
package resumedata

import (
	"context"
	"time"

	"github.com/autobrr/torrentd/internal/engine"
)

// Entry is the persisted snapshot of one torrent. It is written on add, on
// relevant state changes, on a periodic interval and on graceful shutdown,
// and read only at startup.
type Entry struct {
	ID            engine.ID            `json:"id"`
	Name          string               `json:"name"`
	Category      string               `json:"category,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	SavePath      string               `json:"savePath"`
	DownloadPath  string               `json:"downloadPath,omitempty"`
	QueuePosition int                  `json:"queuePosition"`
	AutoManaged   bool                 `json:"autoManaged"`
	Stopped       bool                 `json:"stopped"`
	Finished      bool                 `json:"finished,omitempty"`
	StopCondition engine.StopCondition `json:"stopCondition,omitempty"`
	InfoBytes     []byte               `json:"infoBytes,omitempty"`
	MagnetURI     string               `json:"magnetUri,omitempty"`
	Trackers      []string             `json:"trackers,omitempty"`
	AddedAt       time.Time            `json:"addedAt"`
}

// CategoryRecord is the persisted form of a category. Nil path pointers mean
// "no override".
type CategoryRecord struct {
	Name         string  `json:"name"`
	SavePath     *string `json:"savePath,omitempty"`
	DownloadPath *string `json:"downloadPath,omitempty"`
}

// LoadError reports a single unreadable entry encountered during List. The
// entry is skipped, never retried automatically.
type LoadError struct {
	Ref string // backend-specific reference: file path or row id
	Err error
}

// Store is the durable resume-data backend. List is called once at startup;
// the store is treated as read-only until the session finishes restoring.
// Writes for one torrent are applied in submission order.
type Store interface {
	List(ctx context.Context) ([]Entry, []LoadError, error)
	Put(ctx context.Context, id engine.ID, entry Entry) error
	Delete(ctx context.Context, id engine.ID) error

	SaveCategories(ctx context.Context, categories []CategoryRecord) error
	LoadCategories(ctx context.Context) ([]CategoryRecord, error)
	SaveTags(ctx context.Context, tags []string) error
	LoadTags(ctx context.Context) ([]string, error)

	Flush(ctx context.Context) error
	Close() error
}
