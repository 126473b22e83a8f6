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

// Package creek contains constants shared across the broker.
package creek

const (
	// Version is the current release of the broker.
	Version = "0.3.0"

	// ComponentWeb is the log component for the HTTP layer.
	ComponentWeb = "web"
	// ComponentAuth is the log component for the authentication pipeline.
	ComponentAuth = "auth"
	// ComponentQueue is the log component for the queue engine.
	ComponentQueue = "queue"
	// ComponentKMS is the log component for the key management service.
	ComponentKMS = "kms"
	// ComponentStorage is the log component for the relational store.
	ComponentStorage = "storage"

	// ComponentKey is the slog attribute key carrying a component name.
	ComponentKey = "component"
)

const (
	// NativeAuthScheme is the Authorization scheme of creek's own bearer
	// tokens: "NerveMqApiV1 <prefix>_<short>_<long>".
	NativeAuthScheme = "NerveMqApiV1"

	// TokenPrefix prefixes every issued bearer token.
	TokenPrefix = "creek"

	// AmzTargetHeader carries the SQS action name.
	AmzTargetHeader = "X-Amz-Target"

	// AmzTargetPrefix is the service qualifier expected in X-Amz-Target.
	AmzTargetPrefix = "AmazonSQS."
)

// Role determines the management operations a user may perform.
type Role string

const (
	// RoleAdmin may manage users, permissions and roles.
	RoleAdmin Role = "admin"
	// RoleUser may only operate on namespaces it was granted.
	RoleUser Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}
