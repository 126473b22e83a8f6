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

// Package auth implements the request authentication pipeline. Two
// protocols share the Authorization header: the native bearer scheme
// ("NerveMqApiV1 creek_<short>_<long>") and AWS Signature Version 4,
// verified by re-signing the request with the key's decrypted signing
// secret.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/services"
)

// Config holds the authorizer dependencies.
type Config struct {
	Identity *services.Identity
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing Identity")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(creek.ComponentKey, creek.ComponentAuth)
	return nil
}

// Authorizer authenticates HTTP requests against the credential store.
type Authorizer struct {
	identity *services.Identity
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewAuthorizer returns an authorizer over the identity service.
func NewAuthorizer(cfg Config) (*Authorizer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authorizer{identity: cfg.Identity, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Authenticate dispatches on the Authorization scheme and returns the
// authenticated user and the namespace the credential is scoped to.
// Every failure surfaces as AccessDenied so clients cannot distinguish
// unknown keys from bad signatures.
func (a *Authorizer) Authenticate(r *http.Request) (*services.User, string, error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, creek.NativeAuthScheme+" "):
		user, namespace, err := a.authenticateNative(r, strings.TrimPrefix(header, creek.NativeAuthScheme+" "))
		if err != nil {
			a.logger.InfoContext(r.Context(), "Native authentication failed.", "error", err)
			return nil, "", trace.AccessDenied("access denied")
		}
		return user, namespace, nil
	case IsSignedBySigV4(r):
		user, namespace, err := a.authenticateSigV4(r)
		if err != nil {
			a.logger.InfoContext(r.Context(), "SigV4 authentication failed.", "error", err)
			// Oversized payloads are reported as such; every other failure
			// is a uniform denial.
			if trace.IsLimitExceeded(err) {
				return nil, "", trace.Wrap(err)
			}
			return nil, "", trace.AccessDenied("access denied")
		}
		return user, namespace, nil
	}
	return nil, "", trace.AccessDenied("access denied")
}

// authenticateNative verifies a bearer token of the form
// creek_<short>_<long>.
func (a *Authorizer) authenticateNative(r *http.Request, token string) (*services.User, string, error) {
	parts := strings.SplitN(strings.TrimSpace(token), "_", 3)
	if len(parts) != 3 || parts[0] != creek.TokenPrefix || parts[1] == "" || parts[2] == "" {
		return nil, "", trace.BadParameter("malformed token")
	}
	user, namespace, err := a.identity.VerifyBearer(r.Context(), parts[1], parts[2])
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return user, namespace, nil
}

// authenticateSigV4 resolves the signing secret for the access key id
// and verifies the request signature by re-signing.
func (a *Authorizer) authenticateSigV4(r *http.Request) (*services.User, string, error) {
	sigV4, err := ParseSigV4(r.Header.Get("Authorization"))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	material, err := a.identity.ResolveSigV4Material(r.Context(), sigV4.KeyID)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := VerifySigV4(r, sigV4.KeyID, material.SigningSecret, a.clock.Now()); err != nil {
		return nil, "", trace.Wrap(err)
	}
	return material.User, material.Namespace, nil
}
