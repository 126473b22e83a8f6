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

package queue

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/services"
)

// QueueStats aggregates one queue. Computed on demand, never cached.
type QueueStats struct {
	Namespace    string  `json:"namespace"`
	Queue        string  `json:"queue"`
	MessageCount int64   `json:"message_count"`
	AvgSizeBytes float64 `json:"avg_size_bytes"`
}

// NamespaceStats aggregates one namespace.
type NamespaceStats struct {
	Namespace  string `json:"namespace"`
	QueueCount int64  `json:"queue_count"`
}

// Stats returns per-queue statistics for a single queue.
func (e *Engine) Stats(ctx context.Context, authorizedNS, namespace, queueName string) (*QueueStats, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	stats := &QueueStats{Namespace: namespace, Queue: queueName}
	err := e.storage.DB.QueryRowContext(ctx, `
SELECT COUNT(m.id), COALESCE(AVG(LENGTH(m.body)), 0)
FROM queues q
JOIN namespaces n ON n.id = q.namespace_id
LEFT JOIN messages m ON m.queue_id = q.id
WHERE n.name = ? AND q.name = ?
GROUP BY q.id`, namespace, queueName).Scan(&stats.MessageCount, &stats.AvgSizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("queue %q not found in namespace %q", queueName, namespace)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stats, nil
}

// GlobalStats returns statistics for every queue the user can see,
// keyed by "namespace/queue". Admins see everything.
func (e *Engine) GlobalStats(ctx context.Context, user *services.User) (map[string]QueueStats, error) {
	query := `
SELECT n.name, q.name, COUNT(m.id), COALESCE(AVG(LENGTH(m.body)), 0)
FROM queues q
JOIN namespaces n ON n.id = q.namespace_id
LEFT JOIN messages m ON m.queue_id = q.id
GROUP BY q.id`
	args := []any{}
	if user.Role != creek.RoleAdmin {
		query = `
SELECT n.name, q.name, COUNT(m.id), COALESCE(AVG(LENGTH(m.body)), 0)
FROM queues q
JOIN namespaces n ON n.id = q.namespace_id
JOIN user_permissions p ON p.namespace_id = n.id AND p.user_id = ?
LEFT JOIN messages m ON m.queue_id = q.id
GROUP BY q.id`
		args = append(args, user.ID)
	}
	rows, err := e.storage.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	out := make(map[string]QueueStats)
	for rows.Next() {
		var s QueueStats
		if err := rows.Scan(&s.Namespace, &s.Queue, &s.MessageCount, &s.AvgSizeBytes); err != nil {
			return nil, trace.Wrap(err)
		}
		out[s.Namespace+"/"+s.Queue] = s
	}
	return out, trace.Wrap(rows.Err())
}

// NamespaceStatsAll returns queue counts for every namespace the user
// can see.
func (e *Engine) NamespaceStatsAll(ctx context.Context, user *services.User) ([]NamespaceStats, error) {
	query := `
SELECT n.name, COUNT(q.id) FROM namespaces n
LEFT JOIN queues q ON q.namespace_id = n.id
GROUP BY n.id ORDER BY n.name`
	args := []any{}
	if user.Role != creek.RoleAdmin {
		query = `
SELECT n.name, COUNT(q.id) FROM namespaces n
JOIN user_permissions p ON p.namespace_id = n.id AND p.user_id = ?
LEFT JOIN queues q ON q.namespace_id = n.id
GROUP BY n.id ORDER BY n.name`
		args = append(args, user.ID)
	}
	rows, err := e.storage.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []NamespaceStats
	for rows.Next() {
		var s NamespaceStats
		if err := rows.Scan(&s.Namespace, &s.QueueCount); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, s)
	}
	return out, trace.Wrap(rows.Err())
}
