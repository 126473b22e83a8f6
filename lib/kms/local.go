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

package kms

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"
)

// LocalKMS persists key material in a dedicated table of the broker
// database. The cipher and key format are identical to MemoryKMS.
type LocalKMS struct {
	db *sql.DB
}

// NewLocalKMS opens the local backend, creating the key table if it does
// not exist yet.
func NewLocalKMS(ctx context.Context, db *sql.DB) (*LocalKMS, error) {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS kms_keys (
    key_id TEXT PRIMARY KEY,
    key    BLOB NOT NULL
)`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LocalKMS{db: db}, nil
}

// CreateKey generates a fresh AES-256 key under a random identifier,
// retrying on the unlikely id collision.
func (l *LocalKMS) CreateKey(ctx context.Context) (string, error) {
	key, err := newKeyMaterial()
	if err != nil {
		return "", trace.Wrap(err)
	}
	for {
		id, err := newKeyID()
		if err != nil {
			return "", trace.Wrap(err)
		}
		res, err := l.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO kms_keys (key_id, key) VALUES (?, ?)", id, key)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", trace.Wrap(err)
		} else if n == 0 {
			continue // id collision
		}
		return id, nil
	}
}

// DeleteKey removes the key material.
func (l *LocalKMS) DeleteKey(ctx context.Context, keyID string) error {
	res, err := l.db.ExecContext(ctx, "DELETE FROM kms_keys WHERE key_id = ?", keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("key %q not found", keyID)
	}
	return nil
}

// Encrypt seals plaintext under the named key.
func (l *LocalKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	key, err := l.lookup(ctx, keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return seal(key, plaintext)
}

// Decrypt opens ciphertext sealed under the named key.
func (l *LocalKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := l.lookup(ctx, keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return open(key, ciphertext)
}

func (l *LocalKMS) lookup(ctx context.Context, keyID string) ([]byte, error) {
	var key []byte
	err := l.db.QueryRowContext(ctx,
		"SELECT key FROM kms_keys WHERE key_id = ?", keyID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("key %q not found", keyID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}
