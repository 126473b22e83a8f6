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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"

	"github.com/creekmq/creek/lib/defaults"
)

// hashSecret hashes a password or long token with Argon2id and encodes
// the result in PHC string format so parameters can evolve without a
// schema change.
func hashSecret(secret string) (string, error) {
	salt := make([]byte, defaults.Argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", trace.Wrap(err)
	}
	hash := argon2.IDKey([]byte(secret), salt,
		defaults.Argon2Time, defaults.Argon2Memory, defaults.Argon2Threads, defaults.Argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaults.Argon2Memory, defaults.Argon2Time, defaults.Argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifySecret checks secret against an encoded hash in constant time.
func verifySecret(secret, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return trace.BadParameter("malformed password hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return trace.BadParameter("malformed password hash")
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return trace.BadParameter("malformed password hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return trace.BadParameter("malformed password hash")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return trace.BadParameter("malformed password hash")
	}
	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return trace.AccessDenied("access denied")
	}
	return nil
}
