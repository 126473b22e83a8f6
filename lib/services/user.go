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
	"github.com/creekmq/creek/lib/storage"
)

// CreateUser provisions an account: the password is hashed with
// Argon2id, a dedicated KMS key is created for the user's signing
// secrets, and a non-owner permission is granted on each listed
// namespace. Every listed namespace must already exist.
func (s *Identity) CreateUser(ctx context.Context, email, password string, role creek.Role, namespaces []string) (*User, error) {
	if email == "" {
		return nil, trace.BadParameter("missing user email")
	}
	if password == "" {
		return nil, trace.BadParameter("missing user password")
	}
	if !role.Valid() {
		return nil, trace.BadParameter("unknown role %q", role)
	}
	hashed, err := hashSecret(password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The KMS key is created outside the transaction; if the insert
	// fails the orphan key is harmless and collected by rotation.
	keyID, err := s.kms.CreateKey(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	user := &User{Email: email, Role: role, KMSKeyID: keyID}
	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO users (email, hashed_password, role, kms_key_id) VALUES (?, ?, ?, ?)",
			email, hashed, string(role), keyID)
		if err != nil {
			return trace.Wrap(convertDBError(err))
		}
		user.ID, err = res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		for _, ns := range namespaces {
			nsID, err := namespaceIDByName(ctx, tx, ns)
			if err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO user_permissions (user_id, namespace_id, can_delete_ns) VALUES (?, ?, 0)",
				user.ID, nsID); err != nil {
				return trace.Wrap(convertDBError(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Created user.", "email", email, "role", role)
	return user, nil
}

// GetUser fetches an account by email.
func (s *Identity) GetUser(ctx context.Context, email string) (*User, error) {
	user := &User{}
	err := s.storage.DB.QueryRowContext(ctx,
		"SELECT id, email, role, kms_key_id FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &user.Role, &user.KMSKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("user %q not found", email)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// ListUsers returns every account.
func (s *Identity) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.storage.DB.QueryContext(ctx,
		"SELECT id, email, role, kms_key_id FROM users ORDER BY email")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.KMSKeyID); err != nil {
			return nil, trace.Wrap(err)
		}
		users = append(users, u)
	}
	return users, trace.Wrap(rows.Err())
}

// DeleteUser removes the account, its permissions and API keys, and the
// KMS key wrapping its secrets.
func (s *Identity) DeleteUser(ctx context.Context, email string) error {
	user, err := s.GetUser(ctx, email)
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", user.ID)
		return trace.Wrap(err)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.kms.DeleteKey(ctx, user.KMSKeyID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// UpdateRole changes a user's role.
func (s *Identity) UpdateRole(ctx context.Context, email string, role creek.Role) error {
	if !role.Valid() {
		return trace.BadParameter("unknown role %q", role)
	}
	res, err := s.storage.DB.ExecContext(ctx,
		"UPDATE users SET role = ? WHERE email = ?", string(role), email)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("user %q not found", email)
	}
	return nil
}

// VerifyPassword checks the account password for management-plane login.
// Failures are indistinguishable between a missing user and a wrong
// password.
func (s *Identity) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	user := &User{}
	var hashed string
	err := s.storage.DB.QueryRowContext(ctx,
		"SELECT id, email, role, kms_key_id, hashed_password FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &user.Role, &user.KMSKeyID, &hashed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.AccessDenied("access denied")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := verifySecret(password, hashed); err != nil {
		return nil, trace.AccessDenied("access denied")
	}
	return user, nil
}

// CreateNamespace creates a namespace owned by creator, who receives a
// permission with can_delete_ns set.
func (s *Identity) CreateNamespace(ctx context.Context, name, creator string) (*Namespace, error) {
	if name == "" {
		return nil, trace.BadParameter("missing namespace name")
	}
	user, err := s.GetUser(ctx, creator)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ns := &Namespace{Name: name, CreatedBy: creator}
	err = s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO namespaces (name, created_by) VALUES (?, ?)", name, user.ID)
		if err != nil {
			return trace.Wrap(convertDBError(err))
		}
		ns.ID, err = res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO user_permissions (user_id, namespace_id, can_delete_ns) VALUES (?, ?, 1)",
			user.ID, ns.ID)
		return trace.Wrap(convertDBError(err))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ns, nil
}

// DeleteNamespace removes the namespace and everything under it. The
// caller must hold a permission with can_delete_ns.
func (s *Identity) DeleteNamespace(ctx context.Context, name, email string) error {
	return s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		nsID, err := namespaceIDByName(ctx, tx, name)
		if err != nil {
			return trace.Wrap(err)
		}
		var canDelete bool
		err = tx.QueryRowContext(ctx, `
SELECT p.can_delete_ns FROM user_permissions p
JOIN users u ON u.id = p.user_id
WHERE u.email = ? AND p.namespace_id = ?`, email, nsID).Scan(&canDelete)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !canDelete) {
			return trace.AccessDenied("access denied")
		}
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM namespaces WHERE id = ?", nsID)
		return trace.Wrap(err)
	})
}

// ListNamespaces returns the namespaces visible to the user. Admins see
// all of them.
func (s *Identity) ListNamespaces(ctx context.Context, user *User) ([]Namespace, error) {
	query := `
SELECT n.id, n.name, COALESCE(u.email, '') FROM namespaces n
LEFT JOIN users u ON u.id = n.created_by
ORDER BY n.name`
	args := []any{}
	if user.Role != creek.RoleAdmin {
		query = `
SELECT n.id, n.name, COALESCE(u.email, '') FROM namespaces n
LEFT JOIN users u ON u.id = n.created_by
JOIN user_permissions p ON p.namespace_id = n.id
WHERE p.user_id = ?
ORDER BY n.name`
		args = append(args, user.ID)
	}
	rows, err := s.storage.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Namespace
	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.CreatedBy); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, ns)
	}
	return out, trace.Wrap(rows.Err())
}

// GrantPermission grants or updates a user's access to a namespace.
func (s *Identity) GrantPermission(ctx context.Context, email, namespace string, canDeleteNS bool) error {
	return s.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE email = ?", email).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("user %q not found", email)
		}
		if err != nil {
			return trace.Wrap(err)
		}
		nsID, err := namespaceIDByName(ctx, tx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO user_permissions (user_id, namespace_id, can_delete_ns) VALUES (?, ?, ?)
ON CONFLICT (user_id, namespace_id) DO UPDATE SET can_delete_ns = excluded.can_delete_ns`,
			userID, nsID, canDeleteNS)
		return trace.Wrap(err)
	})
}

// RevokePermission removes a user's access to a namespace.
func (s *Identity) RevokePermission(ctx context.Context, email, namespace string) error {
	res, err := s.storage.DB.ExecContext(ctx, `
DELETE FROM user_permissions WHERE user_id = (SELECT id FROM users WHERE email = ?)
AND namespace_id = (SELECT id FROM namespaces WHERE name = ?)`, email, namespace)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("no permission for %q on %q", email, namespace)
	}
	return nil
}

// ListPermissions returns the user's namespace grants.
func (s *Identity) ListPermissions(ctx context.Context, email string) ([]Permission, error) {
	rows, err := s.storage.DB.QueryContext(ctx, `
SELECT u.email, n.name, p.can_delete_ns FROM user_permissions p
JOIN users u ON u.id = p.user_id
JOIN namespaces n ON n.id = p.namespace_id
WHERE u.email = ?
ORDER BY n.name`, email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Email, &p.Namespace, &p.CanDeleteNS); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// HasPermission reports whether the user may act on the namespace.
// Admins implicitly hold every permission.
func (s *Identity) HasPermission(ctx context.Context, user *User, namespace string) error {
	if user.Role == creek.RoleAdmin {
		return nil
	}
	var one int
	err := s.storage.DB.QueryRowContext(ctx, `
SELECT 1 FROM user_permissions p
JOIN namespaces n ON n.id = p.namespace_id
WHERE p.user_id = ? AND n.name = ?`, user.ID, namespace).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.AccessDenied("access denied")
	}
	return trace.Wrap(err)
}

func namespaceIDByName(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM namespaces WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, trace.NotFound("namespace %q not found", name)
	}
	return id, trace.Wrap(err)
}

// convertDBError maps sqlite constraint violations to AlreadyExists.
func convertDBError(err error) error {
	if err == nil {
		return nil
	}
	if storage.IsConstraintError(err) {
		return trace.AlreadyExists("already exists: %v", err)
	}
	return err
}
