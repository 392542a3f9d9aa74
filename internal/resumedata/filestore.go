// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resumedata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torrentd/internal/engine"
)

const (
	torrentsDirName    = "torrents"
	categoriesFileName = "categories.json"
	tagsFileName       = "tags.json"
)

// FileStore keeps one JSON file per torrent under <dir>/torrents plus
// categories.json and tags.json at the top level. Writes go through a
// temp-file rename so a crash never leaves a half-written entry.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, torrentsDirName), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create resume data directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) entryPath(id engine.ID) string {
	return filepath.Join(s.dir, torrentsDirName, string(id)+".json")
}

func (s *FileStore) List(ctx context.Context) ([]Entry, []LoadError, error) {
	names, err := os.ReadDir(filepath.Join(s.dir, torrentsDirName))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to scan resume data directory")
	}

	var entries []Entry
	var failures []LoadError
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return entries, failures, err
		}

		path := filepath.Join(s.dir, torrentsDirName, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, LoadError{Ref: path, Err: err})
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			failures = append(failures, LoadError{Ref: path, Err: err})
			continue
		}
		if entry.ID == "" {
			failures = append(failures, LoadError{Ref: path, Err: fmt.Errorf("entry has no torrent id")})
			continue
		}
		entries = append(entries, entry)
	}

	// Stable order keeps dense queue renumbering deterministic across restarts.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QueuePosition != entries[j].QueuePosition {
			return entries[i].QueuePosition < entries[j].QueuePosition
		}
		return entries[i].ID < entries[j].ID
	})

	return entries, failures, nil
}

func (s *FileStore) Put(ctx context.Context, id engine.ID, entry Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal resume entry %s", id)
	}
	return s.writeAtomic(s.entryPath(id), data)
}

func (s *FileStore) Delete(ctx context.Context, id engine.ID) error {
	if err := os.Remove(s.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete resume entry %s", id)
	}
	return nil
}

func (s *FileStore) SaveCategories(ctx context.Context, categories []CategoryRecord) error {
	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal categories")
	}
	return s.writeAtomic(filepath.Join(s.dir, categoriesFileName), data)
}

func (s *FileStore) LoadCategories(ctx context.Context) ([]CategoryRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, categoriesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read categories")
	}
	var categories []CategoryRecord
	if err := json.Unmarshal(data, &categories); err != nil {
		log.Warn().Err(err).Msg("Categories file is malformed, starting with none")
		return nil, nil
	}
	return categories, nil
}

func (s *FileStore) SaveTags(ctx context.Context, tags []string) error {
	data, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}
	return s.writeAtomic(filepath.Join(s.dir, tagsFileName), data)
}

func (s *FileStore) LoadTags(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, tagsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read tags")
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		log.Warn().Err(err).Msg("Tags file is malformed, starting with none")
		return nil, nil
	}
	return tags, nil
}

// Flush is a no-op: every write already lands via atomic rename.
func (s *FileStore) Flush(ctx context.Context) error { return nil }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}
