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
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/gravitational/trace"
)

const managedByTagKey = "ManagedBy"

// kmsClient is the subset of the AWS KMS API the backend uses, kept
// small so tests can substitute a fake.
type kmsClient interface {
	CreateKey(context.Context, *awskms.CreateKeyInput, ...func(*awskms.Options)) (*awskms.CreateKeyOutput, error)
	ScheduleKeyDeletion(context.Context, *awskms.ScheduleKeyDeletionInput, ...func(*awskms.Options)) (*awskms.ScheduleKeyDeletionOutput, error)
	Encrypt(context.Context, *awskms.EncryptInput, ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(context.Context, *awskms.DecryptInput, ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSKMS delegates all key operations to AWS KMS. Ciphertext blobs and
// key identifiers are the provider's, stored verbatim.
type AWSKMS struct {
	client kmsClient
}

// NewAWSKMS builds the backend from the ambient AWS credential chain.
func NewAWSKMS(ctx context.Context, region string) (*AWSKMS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, trace.Wrap(err, "loading default AWS config")
	}
	return &AWSKMS{client: awskms.NewFromConfig(awsCfg)}, nil
}

// NewAWSKMSWithClient builds the backend over an existing client. Used
// by tests.
func NewAWSKMSWithClient(client kmsClient) *AWSKMS {
	return &AWSKMS{client: client}
}

// CreateKey provisions a symmetric customer master key.
func (a *AWSKMS) CreateKey(ctx context.Context) (string, error) {
	out, err := a.client.CreateKey(ctx, &awskms.CreateKeyInput{
		Description: aws.String("creek signing-secret key"),
		KeySpec:     kmstypes.KeySpecSymmetricDefault,
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		Tags: []kmstypes.Tag{{
			TagKey:   aws.String(managedByTagKey),
			TagValue: aws.String("creek"),
		}},
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyId == nil {
		return "", trace.Errorf("KeyMetadata of created key is nil")
	}
	return aws.ToString(out.KeyMetadata.KeyId), nil
}

// DeleteKey schedules the key for deletion with the minimum pending
// window AWS allows.
func (a *AWSKMS) DeleteKey(ctx context.Context, keyID string) error {
	_, err := a.client.ScheduleKeyDeletion(ctx, &awskms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int32(7),
	})
	return trace.Wrap(convertKMSError(err))
}

// Encrypt seals plaintext under the named key. The provider's
// ciphertext blob is returned verbatim.
func (a *AWSKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := a.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, trace.Wrap(convertKMSError(err))
	}
	return out.CiphertextBlob, nil
}

// Decrypt opens a ciphertext blob produced by Encrypt.
func (a *AWSKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	out, err := a.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          aws.String(keyID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, trace.Wrap(convertKMSError(err))
	}
	return out.Plaintext, nil
}

// convertKMSError maps provider errors for missing or disabled keys to
// NotFound so all backends fail alike.
func convertKMSError(err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound     *kmstypes.NotFoundException
		invalidState *kmstypes.KMSInvalidStateException
	)
	if errors.As(err, &notFound) || errors.As(err, &invalidState) {
		return trace.NotFound("key not found: %v", err)
	}
	return err
}
