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

// Package queue implements the transactional message engine: send,
// receive with at-most-one delivery per visibility window, delete,
// purge, retry accounting and dead-lettering.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/services"
	"github.com/creekmq/creek/lib/storage"
)

// Attribute names with engine-level meaning. Any other attribute is
// stored and echoed back verbatim.
const (
	// AttrVisibilityTimeout is the per-queue visibility timeout override
	// in seconds.
	AttrVisibilityTimeout = "VisibilityTimeout"
	// AttrMaxRetries is the per-queue delivery attempt ceiling.
	AttrMaxRetries = "MaxRetries"
	// AttrDeadLetterTarget names the dead-letter queue, which must live
	// in the same namespace.
	AttrDeadLetterTarget = "DeadLetterTargetQueue"
)

// Queue is a named message queue inside a namespace.
type Queue struct {
	ID        int64  `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by,omitempty"`
}

// Config holds the engine dependencies.
type Config struct {
	Storage *storage.Storage
	Clock   clockwork.Clock
	Logger  *slog.Logger
	// DefaultMaxRetries seeds queue_config on queue creation.
	DefaultMaxRetries int
}

// Engine is the queue engine. Every operation runs in one database
// transaction and takes the caller's authorized namespace, which must
// match the target namespace before any resource is resolved.
type Engine struct {
	storage    *storage.Storage
	clock      clockwork.Clock
	logger     *slog.Logger
	maxRetries int
}

// NewEngine returns an engine over the shared storage.
func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaults.MaxRetries
	}
	return &Engine{
		storage:    cfg.Storage,
		clock:      clock,
		logger:     logger.With(creek.ComponentKey, creek.ComponentQueue),
		maxRetries: maxRetries,
	}
}

// checkNamespace enforces that the caller's authorized namespace matches
// the target. It runs before resource resolution so the failure mode
// never reveals whether the resource exists.
func checkNamespace(authorizedNS, namespace string) error {
	if authorizedNS == "" || authorizedNS != namespace {
		return trace.AccessDenied("access denied")
	}
	return nil
}

// CreateQueue creates a queue and its config row. Attributes with
// engine-level meaning are applied to the config; everything else is
// stored as-is.
func (e *Engine) CreateQueue(ctx context.Context, authorizedNS string, user *services.User, namespace, name string, attributes, tags map[string]string) (*Queue, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	if name == "" {
		return nil, trace.BadParameter("missing queue name")
	}
	q := &Queue{Namespace: namespace, Name: name}
	if user != nil {
		q.CreatedBy = user.Email
	}
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		nsID, err := resolveNamespace(ctx, tx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		var createdBy any
		if user != nil {
			createdBy = user.ID
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO queues (namespace_id, name, created_by) VALUES (?, ?, ?)",
			nsID, name, createdBy)
		if err != nil {
			if storage.IsConstraintError(err) {
				return trace.AlreadyExists("queue %q already exists in namespace %q", name, namespace)
			}
			return trace.Wrap(err)
		}
		q.ID, err = res.LastInsertId()
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO queue_config (queue_id, max_retries, dead_letter_queue_id) VALUES (?, ?, NULL)",
			q.ID, e.maxRetries); err != nil {
			return trace.Wrap(err)
		}
		if err := applyAttributes(ctx, tx, nsID, q.ID, attributes); err != nil {
			return trace.Wrap(err)
		}
		for k, v := range tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO queue_tags (queue_id, k, v) VALUES (?, ?, ?)", q.ID, k, v); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.logger.InfoContext(ctx, "Created queue.", "namespace", namespace, "queue", name)
	return q, nil
}

// DeleteQueue removes the queue and its messages. The caller must own
// the queue or hold can_delete_ns on the namespace; admins always may.
func (e *Engine) DeleteQueue(ctx context.Context, authorizedNS string, user *services.User, namespace, name string) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		if user != nil && user.Role != creek.RoleAdmin {
			var allowed bool
			err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1 FROM queues q WHERE q.id = ? AND q.created_by = ?
) OR EXISTS (
    SELECT 1 FROM user_permissions p
    JOIN namespaces n ON n.id = p.namespace_id
    WHERE p.user_id = ? AND n.name = ? AND p.can_delete_ns = 1
)`, q.id, user.ID, user.ID, namespace).Scan(&allowed)
			if err != nil {
				return trace.Wrap(err)
			}
			if !allowed {
				return trace.AccessDenied("access denied")
			}
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM queues WHERE id = ?", q.id)
		return trace.Wrap(err)
	})
}

// ListQueues returns the queues of a namespace, optionally filtered by
// name prefix.
func (e *Engine) ListQueues(ctx context.Context, authorizedNS, namespace, prefix string) ([]Queue, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	rows, err := e.storage.DB.QueryContext(ctx, `
SELECT q.id, n.name, q.name, COALESCE(u.email, '') FROM queues q
JOIN namespaces n ON n.id = q.namespace_id
LEFT JOIN users u ON u.id = q.created_by
WHERE n.name = ? AND q.name LIKE ? || '%'
ORDER BY q.name`, namespace, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Queue
	for rows.Next() {
		var q Queue
		if err := rows.Scan(&q.ID, &q.Namespace, &q.Name, &q.CreatedBy); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, q)
	}
	return out, trace.Wrap(rows.Err())
}

// GetQueue resolves one queue.
func (e *Engine) GetQueue(ctx context.Context, authorizedNS, namespace, name string) (*Queue, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	var q *Queue
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		resolved, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		q = &Queue{ID: resolved.id, Namespace: namespace, Name: name}
		return nil
	})
	return q, trace.Wrap(err)
}

// GetAttributes returns the queue's attribute map, with the engine-level
// config surfaced as attributes.
func (e *Engine) GetAttributes(ctx context.Context, authorizedNS, namespace, name string) (map[string]string, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	attrs := make(map[string]string)
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		rows, err := tx.QueryContext(ctx,
			"SELECT k, v FROM queue_attributes WHERE queue_id = ?", q.id)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return trace.Wrap(err)
			}
			attrs[k] = v
		}
		if err := rows.Err(); err != nil {
			return trace.Wrap(err)
		}
		attrs[AttrMaxRetries] = strconv.Itoa(q.maxRetries)
		if q.dlqName != "" {
			attrs[AttrDeadLetterTarget] = q.dlqName
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attrs, nil
}

// SetAttributes merges attributes into the queue, applying engine-level
// keys to the config row.
func (e *Engine) SetAttributes(ctx context.Context, authorizedNS, namespace, name string, attributes map[string]string) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		nsID, err := resolveNamespace(ctx, tx, namespace)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(applyAttributes(ctx, tx, nsID, q.id, attributes))
	})
}

// TagQueue merges tags into the queue.
func (e *Engine) TagQueue(ctx context.Context, authorizedNS, namespace, name string, tags map[string]string) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		for k, v := range tags {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_tags (queue_id, k, v) VALUES (?, ?, ?)
ON CONFLICT (queue_id, k) DO UPDATE SET v = excluded.v`, q.id, k, v); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

// UntagQueue removes the named tags.
func (e *Engine) UntagQueue(ctx context.Context, authorizedNS, namespace, name string, keys []string) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM queue_tags WHERE queue_id = ? AND k = ?", q.id, k); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

// ListTags returns the queue's tags.
func (e *Engine) ListTags(ctx context.Context, authorizedNS, namespace, name string) (map[string]string, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	tags := make(map[string]string)
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		rows, err := tx.QueryContext(ctx, "SELECT k, v FROM queue_tags WHERE queue_id = ?", q.id)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return trace.Wrap(err)
			}
			tags[k] = v
		}
		return trace.Wrap(rows.Err())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tags, nil
}

// resolvedQueue carries the queue row and its config inside one
// transaction.
type resolvedQueue struct {
	id         int64
	maxRetries int
	dlqID      sql.NullInt64
	dlqName    string
	visibility int // seconds; 0 means the default applies
}

func resolveQueue(ctx context.Context, tx *sql.Tx, namespace, name string) (*resolvedQueue, error) {
	q := &resolvedQueue{}
	var dlqName sql.NullString
	err := tx.QueryRowContext(ctx, `
SELECT q.id, c.max_retries, c.dead_letter_queue_id, dlq.name
FROM queues q
JOIN namespaces n ON n.id = q.namespace_id
JOIN queue_config c ON c.queue_id = q.id
LEFT JOIN queues dlq ON dlq.id = c.dead_letter_queue_id
WHERE n.name = ? AND q.name = ?`, namespace, name).
		Scan(&q.id, &q.maxRetries, &q.dlqID, &dlqName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("queue %q not found in namespace %q", name, namespace)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q.dlqName = dlqName.String
	var vto sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT v FROM queue_attributes WHERE queue_id = ? AND k = ?",
		q.id, AttrVisibilityTimeout).Scan(&vto)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, trace.Wrap(err)
	}
	if vto.Valid {
		if n, err := strconv.Atoi(vto.String); err == nil && n > 0 {
			q.visibility = n
		}
	}
	return q, nil
}

func resolveNamespace(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM namespaces WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, trace.NotFound("namespace %q not found", name)
	}
	return id, trace.Wrap(err)
}

// applyAttributes stores the attribute map and folds engine-level keys
// into queue_config.
func applyAttributes(ctx context.Context, tx *sql.Tx, nsID, queueID int64, attributes map[string]string) error {
	for k, v := range attributes {
		switch k {
		case AttrMaxRetries:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return trace.BadParameter("invalid %s value %q", AttrMaxRetries, v)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_config SET max_retries = ? WHERE queue_id = ?", n, queueID); err != nil {
				return trace.Wrap(err)
			}
		case AttrDeadLetterTarget:
			var dlqID int64
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM queues WHERE namespace_id = ? AND name = ?", nsID, v).Scan(&dlqID)
			if errors.Is(err, sql.ErrNoRows) {
				return trace.NotFound("dead letter queue %q not found", v)
			}
			if err != nil {
				return trace.Wrap(err)
			}
			if dlqID == queueID {
				return trace.BadParameter("queue cannot be its own dead letter queue")
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_config SET dead_letter_queue_id = ? WHERE queue_id = ?", dlqID, queueID); err != nil {
				return trace.Wrap(err)
			}
		case AttrVisibilityTimeout:
			if n, err := strconv.Atoi(v); err != nil || n <= 0 {
				return trace.BadParameter("invalid %s value %q", AttrVisibilityTimeout, v)
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_attributes (queue_id, k, v) VALUES (?, ?, ?)
ON CONFLICT (queue_id, k) DO UPDATE SET v = excluded.v`, queueID, k, v); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
