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
	"sync"

	"github.com/gravitational/trace"
)

// MemoryKMS keeps key material in a mutex-guarded map. Keys do not
// survive a restart; it exists for tests and single-node evaluation.
type MemoryKMS struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKMS returns an empty in-memory KMS.
func NewMemoryKMS() *MemoryKMS {
	return &MemoryKMS{keys: make(map[string][]byte)}
}

// CreateKey generates a fresh AES-256 key under a random identifier,
// retrying on the unlikely id collision.
func (m *MemoryKMS) CreateKey(ctx context.Context) (string, error) {
	key, err := newKeyMaterial()
	if err != nil {
		return "", trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id, err := newKeyID()
		if err != nil {
			return "", trace.Wrap(err)
		}
		if _, taken := m.keys[id]; taken {
			continue
		}
		m.keys[id] = key
		return id, nil
	}
}

// DeleteKey removes the key material.
func (m *MemoryKMS) DeleteKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[keyID]; !ok {
		return trace.NotFound("key %q not found", keyID)
	}
	delete(m.keys, keyID)
	return nil
}

// Encrypt seals plaintext under the named key.
func (m *MemoryKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	key, err := m.lookup(keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return seal(key, plaintext)
}

// Decrypt opens ciphertext sealed under the named key.
func (m *MemoryKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := m.lookup(keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return open(key, ciphertext)
}

func (m *MemoryKMS) lookup(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[keyID]
	if !ok {
		return nil, trace.NotFound("key %q not found", keyID)
	}
	return key, nil
}
