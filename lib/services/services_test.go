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
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/storage"
)

func newTestIdentity(t *testing.T) (*Identity, kms.KMS) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "creek.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	backend := kms.NewMemoryKMS()
	return NewIdentity(IdentityConfig{Storage: store, KMS: backend}), backend
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	identity, _ := newTestIdentity(t)

	user, err := identity.CreateUser(ctx, "alice@example.com", "hunter22", creek.RoleAdmin, nil)
	require.NoError(t, err)
	require.NotEmpty(t, user.KMSKeyID)

	// Duplicate emails are rejected.
	_, err = identity.CreateUser(ctx, "alice@example.com", "other", creek.RoleUser, nil)
	require.True(t, trace.IsAlreadyExists(err))

	// Granting an unknown namespace fails and rolls back the insert.
	_, err = identity.CreateUser(ctx, "bob@example.com", "pw", creek.RoleUser, []string{"nope"})
	require.True(t, trace.IsNotFound(err))
	_, err = identity.GetUser(ctx, "bob@example.com")
	require.True(t, trace.IsNotFound(err))
}

func TestPasswordVerification(t *testing.T) {
	ctx := context.Background()
	identity, _ := newTestIdentity(t)
	_, err := identity.CreateUser(ctx, "alice@example.com", "hunter22", creek.RoleUser, nil)
	require.NoError(t, err)

	user, err := identity.VerifyPassword(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)

	_, err = identity.VerifyPassword(ctx, "alice@example.com", "wrong")
	require.True(t, trace.IsAccessDenied(err))
	// Unknown users fail identically to wrong passwords.
	_, err = identity.VerifyPassword(ctx, "nobody@example.com", "hunter22")
	require.True(t, trace.IsAccessDenied(err))
}

func TestNamespacePermissions(t *testing.T) {
	ctx := context.Background()
	identity, _ := newTestIdentity(t)

	alice, err := identity.CreateUser(ctx, "alice@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	bob, err := identity.CreateUser(ctx, "bob@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)

	_, err = identity.CreateNamespace(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)

	// The creator owns the namespace; bob has no access at all.
	require.NoError(t, identity.HasPermission(ctx, alice, "ns1"))
	require.True(t, trace.IsAccessDenied(identity.HasPermission(ctx, bob, "ns1")))

	// Deletion needs can_delete_ns.
	require.NoError(t, identity.GrantPermission(ctx, "bob@example.com", "ns1", false))
	require.NoError(t, identity.HasPermission(ctx, bob, "ns1"))
	err = identity.DeleteNamespace(ctx, "ns1", "bob@example.com")
	require.True(t, trace.IsAccessDenied(err))

	require.NoError(t, identity.DeleteNamespace(ctx, "ns1", "alice@example.com"))
	_, err = identity.CreateNamespace(ctx, "ns1", "alice@example.com")
	require.NoError(t, err, "namespace deletion must cascade and free the name")
}

func TestIssueAndVerifyAPIKey(t *testing.T) {
	ctx := context.Background()
	identity, _ := newTestIdentity(t)
	_, err := identity.CreateUser(ctx, "alice@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	_, err = identity.CreateNamespace(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)

	issued, err := identity.IssueAPIKey(ctx, "alice@example.com", "ns1", "ci")
	require.NoError(t, err)
	require.NotEmpty(t, issued.LongToken)
	require.Equal(t, creek.TokenPrefix+"_"+issued.KeyID+"_"+issued.LongToken, issued.Token)

	user, namespace, err := identity.VerifyBearer(ctx, issued.KeyID, issued.LongToken)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.Equal(t, "ns1", namespace)

	_, _, err = identity.VerifyBearer(ctx, issued.KeyID, "wrong")
	require.True(t, trace.IsAccessDenied(err))
	_, _, err = identity.VerifyBearer(ctx, "unknown", issued.LongToken)
	require.True(t, trace.IsAccessDenied(err))

	// Keys are only issued for namespaces the user can reach.
	_, err = identity.CreateUser(ctx, "bob@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	_, err = identity.IssueAPIKey(ctx, "bob@example.com", "ns1", "ci")
	require.True(t, trace.IsAccessDenied(err))
}

func TestResolveSigV4Material(t *testing.T) {
	ctx := context.Background()
	identity, _ := newTestIdentity(t)
	_, err := identity.CreateUser(ctx, "alice@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	_, err = identity.CreateNamespace(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)
	issued, err := identity.IssueAPIKey(ctx, "alice@example.com", "ns1", "ci")
	require.NoError(t, err)

	material, err := identity.ResolveSigV4Material(ctx, issued.KeyID)
	require.NoError(t, err)
	require.Equal(t, issued.LongToken, material.SigningSecret)
	require.Equal(t, "ns1", material.Namespace)
	require.Equal(t, "alice@example.com", material.User.Email)

	_, err = identity.ResolveSigV4Material(ctx, "unknown")
	require.True(t, trace.IsNotFound(err))
}

func TestRotateUserKey(t *testing.T) {
	ctx := context.Background()
	identity, backend := newTestIdentity(t)
	bob, err := identity.CreateUser(ctx, "bob@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	_, err = identity.CreateNamespace(ctx, "ns1", "bob@example.com")
	require.NoError(t, err)
	first, err := identity.IssueAPIKey(ctx, "bob@example.com", "ns1", "a")
	require.NoError(t, err)
	second, err := identity.IssueAPIKey(ctx, "bob@example.com", "ns1", "b")
	require.NoError(t, err)

	oldKeyID := bob.KMSKeyID
	require.NoError(t, identity.RotateUserKey(ctx, "bob@example.com"))

	// Secrets still resolve through the new key.
	material, err := identity.ResolveSigV4Material(ctx, first.KeyID)
	require.NoError(t, err)
	require.Equal(t, first.LongToken, material.SigningSecret)
	material, err = identity.ResolveSigV4Material(ctx, second.KeyID)
	require.NoError(t, err)
	require.Equal(t, second.LongToken, material.SigningSecret)

	rotated, err := identity.GetUser(ctx, "bob@example.com")
	require.NoError(t, err)
	require.NotEqual(t, oldKeyID, rotated.KMSKeyID)

	// The retired key is gone.
	_, err = backend.Decrypt(ctx, oldKeyID, []byte("x"))
	require.True(t, trace.IsNotFound(err))
}
