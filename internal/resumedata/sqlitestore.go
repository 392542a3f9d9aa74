// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resumedata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/autobrr/torrentd/internal/dbinterface"
	"github.com/autobrr/torrentd/internal/engine"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS torrents (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	queue_position INTEGER NOT NULL DEFAULT -1,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS categories (
	name TEXT PRIMARY KEY,
	save_path TEXT,
	download_path TEXT,
	sort_order INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
	name TEXT PRIMARY KEY,
	sort_order INTEGER NOT NULL
);
`

// SQLiteStore keeps all resume data in one transactional database file.
// Entries are stored as the same JSON document the file backend writes, so
// the two backends stay observably identical.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open resume database")
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under flush bursts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate resume database")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, []LoadError, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM torrents ORDER BY queue_position, id")
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to list resume entries")
	}
	defer rows.Close()

	var entries []Entry
	var failures []LoadError
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return entries, failures, errors.Wrap(err, "failed to scan resume entry")
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			failures = append(failures, LoadError{Ref: id, Err: err})
			continue
		}
		if entry.ID == "" {
			failures = append(failures, LoadError{Ref: id, Err: fmt.Errorf("entry has no torrent id")})
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return entries, failures, errors.Wrap(err, "failed to iterate resume entries")
	}

	return entries, failures, nil
}

func (s *SQLiteStore) Put(ctx context.Context, id engine.ID, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal resume entry %s", id)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO torrents (id, data, queue_position, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			queue_position = excluded.queue_position,
			updated_at = CURRENT_TIMESTAMP`,
		string(id), data, entry.QueuePosition)
	if err != nil {
		return errors.Wrapf(err, "failed to store resume entry %s", id)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id engine.ID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM torrents WHERE id = ?", string(id)); err != nil {
		return errors.Wrapf(err, "failed to delete resume entry %s", id)
	}
	return nil
}

func (s *SQLiteStore) SaveCategories(ctx context.Context, categories []CategoryRecord) error {
	return s.withTx(ctx, func(tx dbinterface.Querier) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM categories"); err != nil {
			return err
		}
		for i, cat := range categories {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO categories (name, save_path, download_path, sort_order) VALUES (?, ?, ?, ?)",
				cat.Name, cat.SavePath, cat.DownloadPath, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadCategories(ctx context.Context) ([]CategoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, save_path, download_path FROM categories ORDER BY sort_order")
	if err != nil {
		return nil, errors.Wrap(err, "failed to load categories")
	}
	defer rows.Close()

	var categories []CategoryRecord
	for rows.Next() {
		var cat CategoryRecord
		if err := rows.Scan(&cat.Name, &cat.SavePath, &cat.DownloadPath); err != nil {
			return nil, errors.Wrap(err, "failed to scan category")
		}
		categories = append(categories, cat)
	}
	return categories, rows.Err()
}

func (s *SQLiteStore) SaveTags(ctx context.Context, tags []string) error {
	return s.withTx(ctx, func(tx dbinterface.Querier) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags"); err != nil {
			return err
		}
		for i, tag := range tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO tags (name, sort_order) VALUES (?, ?)", tag, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM tags ORDER BY sort_order")
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tags")
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Flush is a no-op: every write commits its own transaction.
func (s *SQLiteStore) Flush(ctx context.Context) error { return nil }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx dbinterface.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
