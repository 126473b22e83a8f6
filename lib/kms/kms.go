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

// Package kms implements envelope encryption of per-user signing
// material under named keys. Three backends are provided: an in-memory
// store, a store persisting key material in the broker database, and a
// delegating store backed by AWS KMS. Backends are chosen by
// configuration, never by the caller.
package kms

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
)

// KMS encrypts and decrypts opaque blobs under named keys.
type KMS interface {
	// CreateKey provisions a new key and returns its identifier.
	CreateKey(ctx context.Context) (string, error)

	// DeleteKey destroys the key. Ciphertexts bound to it become
	// permanently undecryptable.
	DeleteKey(ctx context.Context, keyID string) error

	// Encrypt seals plaintext under the named key.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext sealed under the named key. A deleted or
	// unknown key yields a NotFound error; callers must treat that as
	// fatal for the bound record.
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// Backend selects a KMS implementation.
type Backend string

const (
	// BackendMemory keeps key material in process memory.
	BackendMemory Backend = "memory"
	// BackendLocal persists key material in the broker database.
	BackendLocal Backend = "local"
	// BackendAWS delegates to AWS KMS.
	BackendAWS Backend = "aws"
)

// Config selects and parameterizes a KMS backend.
type Config struct {
	// Backend is one of "memory", "local" or "aws".
	Backend Backend
	// DB is the broker database, required by the local backend.
	DB *sql.DB
	// AWSRegion is the region of the AWS KMS endpoint, required by the
	// aws backend.
	AWSRegion string
}

// CheckAndSetDefaults validates the config.
func (cfg *Config) CheckAndSetDefaults() error {
	switch cfg.Backend {
	case "", BackendMemory:
		cfg.Backend = BackendMemory
	case BackendLocal:
		if cfg.DB == nil {
			return trace.BadParameter("local KMS backend requires a database handle")
		}
	case BackendAWS:
		if cfg.AWSRegion == "" {
			return trace.BadParameter("aws KMS backend requires a region")
		}
	default:
		return trace.BadParameter("unknown KMS backend %q", cfg.Backend)
	}
	return nil
}

// New returns the KMS backend selected by cfg.
func New(ctx context.Context, cfg Config) (KMS, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryKMS(), nil
	case BackendLocal:
		return NewLocalKMS(ctx, cfg.DB)
	case BackendAWS:
		return NewAWSKMS(ctx, cfg.AWSRegion)
	}
	return nil, trace.BadParameter("unknown KMS backend %q", cfg.Backend)
}

// Rotation is a handle over an in-progress key rotation. The new key is
// private to the handle until CompleteRotation, so re-running a failed
// rotation is safe: the old key stays intact and the new one is merely
// orphaned.
type Rotation struct {
	// Old is the key being retired.
	Old string
	// New is the freshly created replacement key.
	New string
}

// BeginRotation creates a replacement for keyID. The caller must
// re-encrypt every record bound to the old key under Rotation.New inside
// its own transaction before calling CompleteRotation.
func BeginRotation(ctx context.Context, k KMS, keyID string) (*Rotation, error) {
	newID, err := k.CreateKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Rotation{Old: keyID, New: newID}, nil
}

// CompleteRotation retires the old key, making the rotation permanent.
func CompleteRotation(ctx context.Context, k KMS, r *Rotation) error {
	return trace.Wrap(k.DeleteKey(ctx, r.Old))
}
