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

package web

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/storage"
	"github.com/creekmq/creek/lib/utils"
)

// sessionEmailKey is the session entry holding the account email.
const sessionEmailKey = "email"

// Session is a live management-plane session.
type Session struct {
	ID  string
	Key string
	// Email is the account the session belongs to.
	Email string
}

// SessionsConfig holds the session store dependencies.
type SessionsConfig struct {
	Storage *storage.Storage
	Clock   clockwork.Clock
	Logger  *slog.Logger
	// TTL bounds session lifetime. Zero means the default.
	TTL time.Duration
}

// Sessions persists cookie-addressed session state in the shared
// database. TTL is enforced on load; expired rows are reaped lazily.
type Sessions struct {
	storage *storage.Storage
	clock   clockwork.Clock
	logger  *slog.Logger
	ttl     time.Duration
}

// NewSessions returns a session store over the shared storage.
func NewSessions(cfg SessionsConfig) *Sessions {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaults.SessionTTL
	}
	return &Sessions{
		storage: cfg.Storage,
		clock:   clock,
		logger:  logger.With(creek.ComponentKey, creek.ComponentWeb),
		ttl:     ttl,
	}
}

// Create opens a new session for the account.
func (s *Sessions) Create(ctx context.Context, email string) (*Session, error) {
	sid := uuid.NewString()
	key, err := utils.RandomToken(defaults.LongTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, session_key, created_at, ttl_seconds)
VALUES (?, ?, ?, ?)`, sid, key, s.clock.Now().Unix(), int64(s.ttl.Seconds())); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO session_entries (session_id, k, v) VALUES (?, ?, ?)`, sid, sessionEmailKey, email)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{ID: sid, Key: key, Email: email}, nil
}

// Get loads and validates a session. Expired sessions are deleted and
// reported as not found; a wrong key is indistinguishable from an absent
// session.
func (s *Sessions) Get(ctx context.Context, sid, key string) (*Session, error) {
	var (
		storedKey string
		createdAt int64
		ttl       int64
		email     string
	)
	err := s.storage.DB.QueryRowContext(ctx, `
SELECT s.session_key, s.created_at, s.ttl_seconds, e.v
FROM sessions s
JOIN session_entries e ON e.session_id = s.id AND e.k = ?
WHERE s.id = ?`, sessionEmailKey, sid).Scan(&storedKey, &createdAt, &ttl, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("session not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if subtle.ConstantTimeCompare([]byte(storedKey), []byte(key)) != 1 {
		return nil, trace.NotFound("session not found")
	}
	if s.clock.Now().Unix() >= createdAt+ttl {
		if err := s.Delete(ctx, sid); err != nil {
			s.logger.WarnContext(ctx, "Failed to reap expired session.", "error", err)
		}
		return nil, trace.NotFound("session expired")
	}
	return &Session{ID: sid, Key: storedKey, Email: email}, nil
}

// Delete removes the session and its entries.
func (s *Sessions) Delete(ctx context.Context, sid string) error {
	_, err := s.storage.DB.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sid)
	return trace.Wrap(err)
}

// SetEntry upserts a key/value pair on the session.
func (s *Sessions) SetEntry(ctx context.Context, sid, k, v string) error {
	res, err := s.storage.DB.ExecContext(ctx, `
INSERT INTO session_entries (session_id, k, v)
SELECT id, ?, ? FROM sessions WHERE id = ?
ON CONFLICT (session_id, k) DO UPDATE SET v = excluded.v`, k, v, sid)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("session not found")
	}
	return nil
}

// GetEntry reads a key/value pair from the session.
func (s *Sessions) GetEntry(ctx context.Context, sid, k string) (string, error) {
	var v string
	err := s.storage.DB.QueryRowContext(ctx,
		"SELECT v FROM session_entries WHERE session_id = ? AND k = ?", sid, k).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", trace.NotFound("session entry %q not found", k)
	}
	return v, trace.Wrap(err)
}
