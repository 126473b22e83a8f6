/*
Copyright 2025 Creek Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage opens the broker's sqlite database and applies its
// schema migrations. Higher layers never open connections themselves;
// they receive the shared pool from here.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gravitational/trace"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/creekmq/creek/lib/defaults"
)

// Config holds storage parameters.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in RAM.
	Path string
	// Logger emits migration progress.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" {
		cfg.Path = defaults.DBPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Storage is the shared database pool.
type Storage struct {
	// DB is the underlying pool. Exposed because the engine and services
	// compose multi-statement transactions directly.
	DB     *sql.DB
	logger *slog.Logger
}

// Open opens the database, enables foreign keys and applies pending
// migrations.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	// _txlock=immediate makes BeginTx issue BEGIN IMMEDIATE, taking the
	// write lock up front so concurrent receivers serialize.
	const opts = "_busy_timeout=10000&_foreign_keys=on&_txlock=immediate"
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(cfg.Path), opts)
	if cfg.Path == ":memory:" {
		// A shared cache keeps every pool connection on the same
		// in-memory database.
		dsn = "file::memory:?cache=shared&" + opts
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	s := &Storage{DB: db, logger: cfg.Logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Storage) Close() error {
	return trace.Wrap(s.DB.Close())
}

// InTransaction runs fn inside a single transaction, committing on
// success and rolling back on error or context cancellation. With the
// _txlock=immediate DSN option the write lock is held for the whole
// transaction, which is what makes receive atomic across concurrent
// consumers.
func (s *Storage) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return InTransaction(ctx, s.DB, fn)
}

// IsConstraintError reports whether err is a sqlite constraint
// violation (unique, foreign key, and friends).
func IsConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// InTransaction is the free-function form of Storage.InTransaction for
// callers holding only a *sql.DB.
func InTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return trace.NewAggregate(err, rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}
