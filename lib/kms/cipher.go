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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/gravitational/trace"

	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/utils"
)

const keyBytes = 32 // AES-256

// seal encrypts plaintext with AES-256-GCM under key. A fresh random
// nonce is generated per record and prepended to the ciphertext; a nonce
// derived from the key id would repeat across records and void the AEAD
// guarantees.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a ciphertext produced by seal.
func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, trace.BadParameter("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keyBytes {
		return nil, trace.BadParameter("expected %d byte key, got %d", keyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}

// newKeyMaterial draws a fresh AES-256 key from the CSPRNG.
func newKeyMaterial() ([]byte, error) {
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// newKeyID returns a 16-byte base58 key identifier.
func newKeyID() (string, error) {
	id, err := utils.RandomToken(defaults.KMSKeyIDBytes)
	return id, trace.Wrap(err)
}
