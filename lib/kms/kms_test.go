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
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestBackends(t *testing.T) map[string]KMS {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	local, err := NewLocalKMS(context.Background(), db)
	require.NoError(t, err)

	return map[string]KMS{
		"memory": NewMemoryKMS(),
		"local":  local,
		"aws":    NewAWSKMSWithClient(newFakeKMSClient()),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			keyID, err := backend.CreateKey(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, keyID)

			plaintext := []byte("the signing secret")
			ciphertext, err := backend.Encrypt(ctx, keyID, plaintext)
			require.NoError(t, err)
			require.NotEqual(t, plaintext, ciphertext)

			out, err := backend.Decrypt(ctx, keyID, ciphertext)
			require.NoError(t, err)
			require.Equal(t, plaintext, out)
		})
	}
}

func TestCiphertextsDiffer(t *testing.T) {
	// The nonce is drawn per record, so sealing the same plaintext twice
	// must never produce the same blob.
	ctx := context.Background()
	backend := NewMemoryKMS()
	keyID, err := backend.CreateKey(ctx)
	require.NoError(t, err)

	a, err := backend.Encrypt(ctx, keyID, []byte("p"))
	require.NoError(t, err)
	b, err := backend.Encrypt(ctx, keyID, []byte("p"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDeletedKeyIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			keyID, err := backend.CreateKey(ctx)
			require.NoError(t, err)
			ciphertext, err := backend.Encrypt(ctx, keyID, []byte("p"))
			require.NoError(t, err)

			require.NoError(t, backend.DeleteKey(ctx, keyID))

			_, err = backend.Decrypt(ctx, keyID, ciphertext)
			require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
		})
	}
}

func TestKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryKMS()
	k1, err := backend.CreateKey(ctx)
	require.NoError(t, err)
	k2, err := backend.CreateKey(ctx)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	ciphertext, err := backend.Encrypt(ctx, k1, []byte("p"))
	require.NoError(t, err)
	_, err = backend.Decrypt(ctx, k2, ciphertext)
	require.Error(t, err)
}

func TestRotation(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryKMS()
	old, err := backend.CreateKey(ctx)
	require.NoError(t, err)
	ciphertext, err := backend.Encrypt(ctx, old, []byte("secret"))
	require.NoError(t, err)

	rotation, err := BeginRotation(ctx, backend, old)
	require.NoError(t, err)
	require.Equal(t, old, rotation.Old)
	require.NotEqual(t, rotation.Old, rotation.New)

	// Both keys stay usable until the rotation completes.
	plaintext, err := backend.Decrypt(ctx, rotation.Old, ciphertext)
	require.NoError(t, err)
	reencrypted, err := backend.Encrypt(ctx, rotation.New, plaintext)
	require.NoError(t, err)

	require.NoError(t, CompleteRotation(ctx, backend, rotation))

	_, err = backend.Decrypt(ctx, rotation.Old, ciphertext)
	require.True(t, trace.IsNotFound(err))
	out, err := backend.Decrypt(ctx, rotation.New, reencrypted)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), out)
}

// fakeKMSClient emulates the AWS KMS API over a MemoryKMS so the aws
// backend goes through the same suite.
type fakeKMSClient struct {
	mem  *MemoryKMS
	next int
}

func newFakeKMSClient() *fakeKMSClient {
	return &fakeKMSClient{mem: NewMemoryKMS()}
}

func (f *fakeKMSClient) CreateKey(ctx context.Context, in *awskms.CreateKeyInput, _ ...func(*awskms.Options)) (*awskms.CreateKeyOutput, error) {
	id, err := f.mem.CreateKey(ctx)
	if err != nil {
		return nil, err
	}
	f.next++
	return &awskms.CreateKeyOutput{
		KeyMetadata: &kmstypes.KeyMetadata{
			KeyId: aws.String(id),
			Arn:   aws.String(fmt.Sprintf("arn:aws:kms:test:000000000000:key/%s", id)),
		},
	}, nil
}

func (f *fakeKMSClient) ScheduleKeyDeletion(ctx context.Context, in *awskms.ScheduleKeyDeletionInput, _ ...func(*awskms.Options)) (*awskms.ScheduleKeyDeletionOutput, error) {
	if err := f.mem.DeleteKey(ctx, aws.ToString(in.KeyId)); err != nil {
		return nil, &kmstypes.NotFoundException{Message: aws.String("no such key")}
	}
	return &awskms.ScheduleKeyDeletionOutput{}, nil
}

func (f *fakeKMSClient) Encrypt(ctx context.Context, in *awskms.EncryptInput, _ ...func(*awskms.Options)) (*awskms.EncryptOutput, error) {
	blob, err := f.mem.Encrypt(ctx, aws.ToString(in.KeyId), in.Plaintext)
	if err != nil {
		return nil, &kmstypes.NotFoundException{Message: aws.String("no such key")}
	}
	return &awskms.EncryptOutput{CiphertextBlob: blob}, nil
}

func (f *fakeKMSClient) Decrypt(ctx context.Context, in *awskms.DecryptInput, _ ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	plaintext, err := f.mem.Decrypt(ctx, aws.ToString(in.KeyId), in.CiphertextBlob)
	if err != nil {
		return nil, &kmstypes.NotFoundException{Message: aws.String("no such key")}
	}
	return &awskms.DecryptOutput{Plaintext: plaintext}, nil
}
