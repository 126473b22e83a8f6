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

package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/utils"
)

// IssuedKey is the one-time response to IssueAPIKey. LongToken is the
// only copy of the plaintext secret the broker ever hands out.
type IssuedKey struct {
	APIKey
	// LongToken is the bearer secret and SigV4 signing secret.
	LongToken string `json:"long_token"`
	// Token is the assembled native Authorization credential.
	Token string `json:"token"`
}

// SigV4Material is what the authentication pipeline needs to verify a
// signed request.
type SigV4Material struct {
	User      *User
	Namespace string
	// SigningSecret is the decrypted long token.
	SigningSecret string
}

// IssueAPIKey mints a credential scoped to one namespace the user holds
// a permission on. The long token is Argon2id-hashed for native bearer
// verification and encrypted under the user's KMS key for SigV4 signing.
func (s *Identity) IssueAPIKey(ctx context.Context, email, namespace, name string) (*IssuedKey, error) {
	if name == "" {
		return nil, trace.BadParameter("missing key name")
	}
	user, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.HasPermission(ctx, user, namespace); err != nil {
		return nil, trace.Wrap(err)
	}

	short, err := utils.RandomToken(defaults.ShortTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	long, err := utils.RandomToken(defaults.LongTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hashed, err := hashSecret(long)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sealed, err := s.kms.Encrypt(ctx, user.KMSKeyID, []byte(long))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		nsID, err := namespaceIDByName(ctx, tx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO api_keys (key_id, name, hashed_long_token, encrypted_signing_secret, user_id, namespace_id)
VALUES (?, ?, ?, ?, ?, ?)`, short, name, hashed, sealed, user.ID, nsID)
		return trace.Wrap(convertDBError(err))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Issued API key.", "email", email, "namespace", namespace, "key_id", short)
	return &IssuedKey{
		APIKey:    APIKey{KeyID: short, Name: name, Email: email, Namespace: namespace},
		LongToken: long,
		Token:     creek.TokenPrefix + "_" + short + "_" + long,
	}, nil
}

// VerifyBearer authenticates a native token pair and returns the user
// and the namespace the key is bound to. All failures collapse to
// AccessDenied so callers cannot probe for key existence.
func (s *Identity) VerifyBearer(ctx context.Context, short, long string) (*User, string, error) {
	var (
		hashed    string
		namespace string
		email     string
	)
	err := s.storage.DB.QueryRowContext(ctx, `
SELECT k.hashed_long_token, n.name, u.email FROM api_keys k
JOIN users u ON u.id = k.user_id
JOIN namespaces n ON n.id = k.namespace_id
WHERE k.key_id = ?`, short).Scan(&hashed, &namespace, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", trace.AccessDenied("access denied")
	}
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := verifySecret(long, hashed); err != nil {
		return nil, "", trace.AccessDenied("access denied")
	}
	user, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return user, namespace, nil
}

// ResolveSigV4Material looks up the key by access key id and decrypts
// the signing secret through the user's KMS key.
func (s *Identity) ResolveSigV4Material(ctx context.Context, accessKeyID string) (*SigV4Material, error) {
	var (
		sealed    []byte
		namespace string
		email     string
	)
	err := s.storage.DB.QueryRowContext(ctx, `
SELECT k.encrypted_signing_secret, n.name, u.email FROM api_keys k
JOIN users u ON u.id = k.user_id
JOIN namespaces n ON n.id = k.namespace_id
WHERE k.key_id = ?`, accessKeyID).Scan(&sealed, &namespace, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("identity %q not found", accessKeyID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secret, err := s.kms.Decrypt(ctx, user.KMSKeyID, sealed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SigV4Material{User: user, Namespace: namespace, SigningSecret: string(secret)}, nil
}

// ListAPIKeys returns the user's keys without any secret material.
func (s *Identity) ListAPIKeys(ctx context.Context, email string) ([]APIKey, error) {
	rows, err := s.storage.DB.QueryContext(ctx, `
SELECT k.key_id, k.name, u.email, n.name FROM api_keys k
JOIN users u ON u.id = k.user_id
JOIN namespaces n ON n.id = k.namespace_id
WHERE u.email = ?
ORDER BY k.key_id`, email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.KeyID, &k.Name, &k.Email, &k.Namespace); err != nil {
			return nil, trace.Wrap(err)
		}
		keys = append(keys, k)
	}
	return keys, trace.Wrap(rows.Err())
}

// DeleteAPIKey revokes a key. Only the owner (or an admin) may revoke.
func (s *Identity) DeleteAPIKey(ctx context.Context, user *User, keyID string) error {
	query := "DELETE FROM api_keys WHERE key_id = ? AND user_id = ?"
	args := []any{keyID, user.ID}
	if user.Role == creek.RoleAdmin {
		query = "DELETE FROM api_keys WHERE key_id = ?"
		args = []any{keyID}
	}
	res, err := s.storage.DB.ExecContext(ctx, query, args...)
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

// RotateUserKey replaces the user's KMS key, re-encrypting every signing
// secret under the new key in one transaction. A failure before
// CompleteRotation leaves the old key fully usable; the orphaned new key
// is harmless.
func (s *Identity) RotateUserKey(ctx context.Context, email string) error {
	user, err := s.GetUser(ctx, email)
	if err != nil {
		return trace.Wrap(err)
	}
	rotation, err := kms.BeginRotation(ctx, s.kms, user.KMSKeyID)
	if err != nil {
		return trace.Wrap(err)
	}

	// Decrypt outside the transaction, rewrite rows inside it. The
	// plaintexts are short-lived and never persisted.
	type resealed struct {
		keyID  string
		sealed []byte
	}
	rows, err := s.storage.DB.QueryContext(ctx,
		"SELECT key_id, encrypted_signing_secret FROM api_keys WHERE user_id = ?", user.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	var updates []resealed
	for rows.Next() {
		var r resealed
		var sealed []byte
		if err := rows.Scan(&r.keyID, &sealed); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		plaintext, err := s.kms.Decrypt(ctx, rotation.Old, sealed)
		if err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		r.sealed, err = s.kms.Encrypt(ctx, rotation.New, plaintext)
		if err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		updates = append(updates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}

	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx,
				"UPDATE api_keys SET encrypted_signing_secret = ? WHERE key_id = ?",
				u.sealed, u.keyID); err != nil {
				return trace.Wrap(err)
			}
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE users SET kms_key_id = ? WHERE id = ?", rotation.New, user.ID)
		return trace.Wrap(err)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := kms.CompleteRotation(ctx, s.kms, rotation); err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Rotated user KMS key.", "email", email)
	return nil
}
