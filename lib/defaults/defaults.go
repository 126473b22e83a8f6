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

// Package defaults collects the broker's tunable default values in one
// place so the rest of the codebase never hard-codes them.
package defaults

import "time"

const (
	// DBPath is the default location of the sqlite database.
	DBPath = "creek.db"

	// ListenAddr is the default HTTP bind address.
	ListenAddr = "127.0.0.1:8700"

	// Host is the default external URL root used to build queue URLs.
	Host = "http://localhost:8700"

	// MaxRetries is the default number of delivery attempts before a
	// message is dead-lettered or dropped.
	MaxRetries = 3

	// VisibilityTimeout hides a delivered message from other receivers.
	VisibilityTimeout = 30 * time.Second

	// SessionTTL bounds the lifetime of a management-plane session.
	SessionTTL = 12 * time.Hour

	// MaxPayloadBytes bounds the request body buffered for signature
	// verification. Matches the SQS message size ceiling.
	MaxPayloadBytes = 256 * 1024

	// SignatureSkew is the maximum tolerated difference between the
	// X-Amz-Date header and the broker clock.
	SignatureSkew = 15 * time.Minute

	// MaxBatchEntries caps SendMessageBatch and DeleteMessageBatch.
	MaxBatchEntries = 10

	// MaxReceiveCount caps MaxNumberOfMessages per receive.
	MaxReceiveCount = 10
)

const (
	// ShortTokenBytes is the length of the access key id material.
	ShortTokenBytes = 8

	// LongTokenBytes is the length of the signing secret material.
	LongTokenBytes = 24

	// KMSKeyIDBytes is the length of locally generated KMS key ids.
	KMSKeyIDBytes = 16
)

// Argon2id parameters for password and token hashing. Floors come from
// the OWASP recommendation; never lower them.
const (
	Argon2Memory  = 19 * 1024 // KiB
	Argon2Time    = 2
	Argon2Threads = 1
	Argon2KeyLen  = 32
	Argon2SaltLen = 16
)
