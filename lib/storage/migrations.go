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

package storage

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
)

// migrations are applied in order at startup. Each entry runs at most
// once; schema_migrations records the applied set. Never reorder or edit
// an entry after release, append a new one instead.
var migrations = []string{
	// 1: identity and access control.
	`
CREATE TABLE users (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    email           TEXT NOT NULL UNIQUE,
    hashed_password TEXT NOT NULL,
    role            TEXT NOT NULL,
    kms_key_id      TEXT NOT NULL
);

CREATE TABLE namespaces (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    created_by INTEGER REFERENCES users (id) ON DELETE SET NULL
);

CREATE TABLE user_permissions (
    user_id       INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    namespace_id  INTEGER NOT NULL REFERENCES namespaces (id) ON DELETE CASCADE,
    can_delete_ns INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, namespace_id)
);

CREATE TABLE api_keys (
    key_id                   TEXT PRIMARY KEY,
    name                     TEXT NOT NULL,
    hashed_long_token        TEXT NOT NULL,
    encrypted_signing_secret BLOB NOT NULL,
    user_id                  INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    namespace_id             INTEGER NOT NULL REFERENCES namespaces (id) ON DELETE CASCADE
);
`,
	// 2: queues and messages.
	`
CREATE TABLE queues (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    namespace_id INTEGER NOT NULL REFERENCES namespaces (id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    created_by   INTEGER REFERENCES users (id) ON DELETE SET NULL,
    UNIQUE (namespace_id, name)
);

CREATE TABLE queue_config (
    queue_id              INTEGER PRIMARY KEY REFERENCES queues (id) ON DELETE CASCADE,
    max_retries           INTEGER NOT NULL,
    dead_letter_queue_id  INTEGER REFERENCES queues (id) ON DELETE SET NULL
);

CREATE TABLE queue_attributes (
    queue_id INTEGER NOT NULL REFERENCES queues (id) ON DELETE CASCADE,
    k        TEXT NOT NULL,
    v        TEXT NOT NULL,
    PRIMARY KEY (queue_id, k)
);

CREATE TABLE queue_tags (
    queue_id INTEGER NOT NULL REFERENCES queues (id) ON DELETE CASCADE,
    k        TEXT NOT NULL,
    v        TEXT NOT NULL,
    PRIMARY KEY (queue_id, k)
);

CREATE TABLE messages (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_id      INTEGER NOT NULL REFERENCES queues (id) ON DELETE CASCADE,
    body          BLOB NOT NULL,
    delivered_at  INTEGER,
    visible_after INTEGER NOT NULL DEFAULT 0,
    attempts      INTEGER NOT NULL DEFAULT 0,
    sent_by       INTEGER REFERENCES users (id) ON DELETE SET NULL
);

CREATE INDEX messages_by_queue ON messages (queue_id, id);

CREATE TABLE message_attributes (
    message_id INTEGER NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
    k          TEXT NOT NULL,
    v          TEXT NOT NULL,
    PRIMARY KEY (message_id, k)
);
`,
	// 3: management-plane sessions.
	`
CREATE TABLE sessions (
    id          TEXT PRIMARY KEY,
    session_key TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    ttl_seconds INTEGER NOT NULL
);

CREATE TABLE session_entries (
    session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    k          TEXT NOT NULL,
    v          TEXT NOT NULL,
    PRIMARY KEY (session_id, k)
);
`,
}

// migrate applies the pending tail of the migration list.
func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return trace.Wrap(err)
	}

	var current int
	err := s.DB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return trace.Wrap(err)
	}
	if current > len(migrations) {
		return trace.BadParameter("database schema version %d is newer than this binary supports (%d)", current, len(migrations))
	}

	for version := current + 1; version <= len(migrations); version++ {
		script := migrations[version-1]
		err := s.InTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, script); err != nil {
				return trace.Wrap(err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))", version)
			return trace.Wrap(err)
		})
		if err != nil {
			return trace.Wrap(err, "applying migration %d", version)
		}
		s.logger.InfoContext(ctx, "Applied schema migration.", "version", version)
	}
	return nil
}
