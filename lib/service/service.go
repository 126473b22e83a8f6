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

// Package service assembles the broker: storage, KMS, identity, queue
// engine, authorizer and the HTTP surface, with lifecycle management.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/auth"
	"github.com/creekmq/creek/lib/config"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/queue"
	"github.com/creekmq/creek/lib/services"
	"github.com/creekmq/creek/lib/storage"
	"github.com/creekmq/creek/lib/web"
)

// Broker is the assembled message broker.
type Broker struct {
	cfg      *config.Config
	logger   *slog.Logger
	storage  *storage.Storage
	identity *services.Identity
	engine   *queue.Engine
	server   *http.Server
}

// New wires the broker from its configuration. Call Run to serve and
// Close to release resources.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := clockwork.NewRealClock()

	store, err := storage.Open(ctx, storage.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	keys, err := kms.New(ctx, kms.Config{
		Backend:   cfg.KMSBackend,
		DB:        store.DB,
		AWSRegion: cfg.AWSRegion,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	identity := services.NewIdentity(services.IdentityConfig{
		Storage: store, KMS: keys, Clock: clock, Logger: logger,
	})
	engine := queue.NewEngine(queue.Config{
		Storage: store, Clock: clock, Logger: logger,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	authorizer, err := auth.NewAuthorizer(auth.Config{
		Identity: identity, Clock: clock, Logger: logger,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	sessions := web.NewSessions(web.SessionsConfig{
		Storage: store, Clock: clock, Logger: logger, TTL: cfg.SessionTTL,
	})
	handler, err := web.NewHandler(web.Config{
		Identity:   identity,
		Engine:     engine,
		Authorizer: authorizer,
		Sessions:   sessions,
		Clock:      clock,
		Logger:     logger,
		Host:       cfg.Host,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	return &Broker{
		cfg:      cfg,
		logger:   logger,
		storage:  store,
		identity: identity,
		engine:   engine,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Identity exposes the credential store for CLI bootstrap commands.
func (b *Broker) Identity() *services.Identity {
	return b.identity
}

// Run serves HTTP until the context is canceled, then shuts down
// gracefully.
func (b *Broker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		b.logger.InfoContext(ctx, "Broker listening.",
			"addr", b.cfg.ListenAddr, "version", creek.Version)
		errCh <- b.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.server.Shutdown(shutdownCtx); err != nil {
		return trace.Wrap(err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// Close releases the broker's resources.
func (b *Broker) Close() error {
	return trace.Wrap(b.storage.Close())
}
