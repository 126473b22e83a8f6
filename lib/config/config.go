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

// Package config resolves broker configuration from flags and CREEK_*
// environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/kms"
)

// Config is the resolved broker configuration.
type Config struct {
	// DBPath locates the sqlite database file.
	DBPath string
	// ListenAddr is the HTTP bind address.
	ListenAddr string
	// Host is the external URL root used to build queue URLs.
	Host string
	// DefaultMaxRetries seeds queue_config on queue creation.
	DefaultMaxRetries int
	// SessionTTL bounds management-plane session lifetime.
	SessionTTL time.Duration
	// KMSBackend selects the key management backend.
	KMSBackend kms.Backend
	// AWSRegion configures the aws KMS backend.
	AWSRegion string
	// Debug lowers the log level to debug.
	Debug bool
}

// FromEnv reads CREEK_* environment variables over the defaults.
// Explicit flag values are applied by the caller afterwards.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBPath:            defaults.DBPath,
		ListenAddr:        defaults.ListenAddr,
		Host:              defaults.Host,
		DefaultMaxRetries: defaults.MaxRetries,
		SessionTTL:        defaults.SessionTTL,
		KMSBackend:        kms.BackendLocal,
	}
	if v := os.Getenv("CREEK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CREEK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CREEK_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CREEK_DEFAULT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, trace.BadParameter("invalid CREEK_DEFAULT_MAX_RETRIES %q", v)
		}
		cfg.DefaultMaxRetries = n
	}
	if v := os.Getenv("CREEK_SESSION_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, trace.BadParameter("invalid CREEK_SESSION_TTL_SECONDS %q", v)
		}
		cfg.SessionTTL = time.Duration(n) * time.Second
	}
	if v := os.Getenv("CREEK_KMS_BACKEND"); v != "" {
		cfg.KMSBackend = kms.Backend(v)
	}
	if v := os.Getenv("CREEK_AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaults.MaxRetries
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.KMSBackend == "" {
		c.KMSBackend = kms.BackendLocal
	}
	switch c.KMSBackend {
	case kms.BackendMemory, kms.BackendLocal, kms.BackendAWS:
	default:
		return trace.BadParameter("unknown KMS backend %q", c.KMSBackend)
	}
	if c.KMSBackend == kms.BackendAWS && c.AWSRegion == "" {
		return trace.BadParameter("the aws KMS backend requires CREEK_AWS_REGION")
	}
	return nil
}
