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

// Package services implements the credential store: users, roles,
// namespace permissions and API keys, including the envelope-encrypted
// SigV4 signing material.
package services

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/storage"
)

// User is a management-plane account.
type User struct {
	// ID is the database row id.
	ID int64 `json:"id"`
	// Email uniquely identifies the account.
	Email string `json:"email"`
	// Role gates admin-only management operations.
	Role creek.Role `json:"role"`
	// KMSKeyID names the key wrapping this user's signing secrets.
	KMSKeyID string `json:"-"`
}

// Namespace groups queues behind a permission boundary.
type Namespace struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by,omitempty"`
}

// Permission grants a user access to a namespace.
type Permission struct {
	Email       string `json:"email"`
	Namespace   string `json:"namespace"`
	CanDeleteNS bool   `json:"can_delete_ns"`
}

// APIKey describes an issued credential. The long token never appears
// here; it is returned exactly once at issuance.
type APIKey struct {
	// KeyID is the public short token, surfaced as the SigV4 AccessKeyId.
	KeyID     string `json:"key_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Namespace string `json:"namespace"`
}

// IdentityConfig holds the dependencies of the identity service.
type IdentityConfig struct {
	Storage *storage.Storage
	KMS     kms.KMS
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Identity is the credential store. All mutating operations run in a
// single database transaction.
type Identity struct {
	storage *storage.Storage
	kms     kms.KMS
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewIdentity returns an identity service over the shared storage.
func NewIdentity(cfg IdentityConfig) *Identity {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		storage: cfg.Storage,
		kms:     cfg.KMS,
		clock:   clock,
		logger:  logger.With(creek.ComponentKey, creek.ComponentAuth),
	}
}
