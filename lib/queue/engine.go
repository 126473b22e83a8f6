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
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/services"
)

// Message is a delivered message.
type Message struct {
	// ID is monotonic within the queue and doubles as the receipt
	// handle.
	ID         int64
	Body       []byte
	Attributes map[string]string
	Attempts   int
}

// SendResult is the outcome of a single send.
type SendResult struct {
	MessageID int64
	MD5OfBody string
}

// SendOptions tunes a send.
type SendOptions struct {
	// DelaySeconds postpones availability of the message.
	DelaySeconds int
}

// BatchEntry is one message of a SendBatch call.
type BatchEntry struct {
	// ID correlates the result with the request entry.
	ID         string
	Body       []byte
	Attributes map[string]string
	Options    SendOptions
}

// BatchResult is the per-entry outcome of SendBatch, in request order.
type BatchResult struct {
	ID        string
	MessageID int64
	MD5OfBody string
}

// DeleteBatchEntry is one deletion of a DeleteBatch call.
type DeleteBatchEntry struct {
	ID            string
	ReceiptHandle string
}

// DeleteBatchResult is the per-entry outcome of DeleteBatch.
type DeleteBatchResult struct {
	ID string
	// Ok is false only for malformed receipt handles; deleting an absent
	// message succeeds.
	Ok    bool
	Error string
}

// Send inserts one message and its attributes, returning the new id and
// the MD5 of the body. The sender, when known, is recorded on the row
// and preserved across dead-lettering.
func (e *Engine) Send(ctx context.Context, authorizedNS string, user *services.User, namespace, queueName string, body []byte, attributes map[string]string, opts SendOptions) (*SendResult, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	if opts.DelaySeconds < 0 {
		return nil, trace.BadParameter("negative DelaySeconds")
	}
	var result *SendResult
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		var err2 error
		result, err2 = e.insertMessage(ctx, tx, q.id, body, attributes, opts, senderID(user))
		return trace.Wrap(err2)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// SendBatch inserts every entry in one transaction; any failure aborts
// the whole batch. Results are in request order.
func (e *Engine) SendBatch(ctx context.Context, authorizedNS string, user *services.User, namespace, queueName string, entries []BatchEntry) ([]BatchResult, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(entries) == 0 {
		return nil, trace.BadParameter("empty batch")
	}
	if len(entries) > defaults.MaxBatchEntries {
		return nil, trace.BadParameter("batch exceeds %d entries", defaults.MaxBatchEntries)
	}
	results := make([]BatchResult, 0, len(entries))
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, entry := range entries {
			sent, err := e.insertMessage(ctx, tx, q.id, entry.Body, entry.Attributes, entry.Options, senderID(user))
			if err != nil {
				return trace.Wrap(err)
			}
			results = append(results, BatchResult{
				ID:        entry.ID,
				MessageID: sent.MessageID,
				MD5OfBody: sent.MD5OfBody,
			})
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return results, nil
}

func (e *Engine) insertMessage(ctx context.Context, tx *sql.Tx, queueID int64, body []byte, attributes map[string]string, opts SendOptions, sentBy *int64) (*SendResult, error) {
	visibleAfter := int64(0)
	if opts.DelaySeconds > 0 {
		visibleAfter = e.clock.Now().Unix() + int64(opts.DelaySeconds)
	}
	var sender any
	if sentBy != nil {
		sender = *sentBy
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO messages (queue_id, body, delivered_at, visible_after, attempts, sent_by)
VALUES (?, ?, NULL, ?, 0, ?)`, queueID, body, visibleAfter, sender)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for k, v := range attributes {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_attributes (message_id, k, v) VALUES (?, ?, ?)", id, k, v); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	sum := md5.Sum(body)
	return &SendResult{MessageID: id, MD5OfBody: hex.EncodeToString(sum[:])}, nil
}

// Receive delivers up to maxN messages in FIFO order. The whole
// operation is one immediate transaction, so two concurrent receivers
// never observe the same message: a row leaves the eligible set the
// moment its delivered_at is written. Messages whose visibility window
// expired become eligible again lazily; rows that already burned their
// retry budget are dead-lettered (or dropped) inside the same
// transaction, so no observer ever sees a message in both the source
// queue and its DLQ.
func (e *Engine) Receive(ctx context.Context, authorizedNS, namespace, queueName string, maxN, visibilityTimeout int) ([]Message, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	if maxN <= 0 {
		maxN = 1
	}
	if maxN > defaults.MaxReceiveCount {
		return nil, trace.BadParameter("MaxNumberOfMessages exceeds %d", defaults.MaxReceiveCount)
	}

	var delivered []Message
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		now := e.clock.Now().Unix()
		vto := int64(visibilityTimeout)
		if vto <= 0 {
			vto = int64(q.visibility)
		}
		if vto <= 0 {
			vto = int64(defaults.VisibilityTimeout.Seconds())
		}

		if err := e.deadLetterPass(ctx, tx, q, now, vto); err != nil {
			return trace.Wrap(err)
		}

		rows, err := tx.QueryContext(ctx, `
SELECT id, body, attempts FROM messages
WHERE queue_id = ?
  AND visible_after <= ?
  AND (delivered_at IS NULL OR delivered_at + ? <= ?)
ORDER BY id ASC
LIMIT ?`, q.id, now, vto, now, maxN)
		if err != nil {
			return trace.Wrap(err)
		}
		delivered = delivered[:0]
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.Body, &m.Attempts); err != nil {
				rows.Close()
				return trace.Wrap(err)
			}
			m.Attempts++ // reflects the update below
			delivered = append(delivered, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return trace.Wrap(err)
		}
		if len(delivered) == 0 {
			return nil
		}

		ids := make([]any, 0, len(delivered)+1)
		ids = append(ids, now)
		for _, m := range delivered {
			ids = append(ids, m.ID)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE messages SET delivered_at = ?, attempts = attempts + 1 WHERE id IN (%s)",
			placeholders(len(delivered))), ids...); err != nil {
			return trace.Wrap(err)
		}

		for i := range delivered {
			attrs, err := messageAttributes(ctx, tx, delivered[i].ID)
			if err != nil {
				return trace.Wrap(err)
			}
			delivered[i].Attributes = attrs
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return delivered, nil
}

// deadLetterPass moves every eligible message that exhausted its retry
// budget to the configured DLQ, or drops it when none is configured.
func (e *Engine) deadLetterPass(ctx context.Context, tx *sql.Tx, q *resolvedQueue, now, vto int64) error {
	rows, err := tx.QueryContext(ctx, `
SELECT id, body, sent_by FROM messages
WHERE queue_id = ?
  AND visible_after <= ?
  AND (delivered_at IS NULL OR delivered_at + ? <= ?)
  AND attempts >= ?
ORDER BY id ASC`, q.id, now, vto, now, q.maxRetries)
	if err != nil {
		return trace.Wrap(err)
	}
	type dead struct {
		id     int64
		body   []byte
		sentBy sql.NullInt64
	}
	var exhausted []dead
	for rows.Next() {
		var d dead
		if err := rows.Scan(&d.id, &d.body, &d.sentBy); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		exhausted = append(exhausted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}

	for _, d := range exhausted {
		if q.dlqID.Valid {
			res, err := tx.ExecContext(ctx, `
INSERT INTO messages (queue_id, body, delivered_at, visible_after, attempts, sent_by)
VALUES (?, ?, NULL, 0, 0, ?)`, q.dlqID.Int64, d.body, d.sentBy)
			if err != nil {
				return trace.Wrap(err)
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO message_attributes (message_id, k, v)
SELECT ?, k, v FROM message_attributes WHERE message_id = ?`, newID, d.id); err != nil {
				return trace.Wrap(err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", d.id); err != nil {
			return trace.Wrap(err)
		}
		e.logger.InfoContext(ctx, "Message exhausted retries.",
			"message_id", d.id, "dead_lettered", q.dlqID.Valid)
	}
	return nil
}

// Delete acknowledges a delivered message. Deleting an id that is
// already gone succeeds; delete is idempotent.
func (e *Engine) Delete(ctx context.Context, authorizedNS, namespace, queueName string, messageID int64) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM messages WHERE id = ? AND queue_id = ?", messageID, q.id)
		return trace.Wrap(err)
	})
}

// DeleteBatch deletes up to MaxBatchEntries messages in one transaction,
// returning per-entry results. Only a malformed receipt handle marks an
// entry failed; absent ids delete successfully.
func (e *Engine) DeleteBatch(ctx context.Context, authorizedNS, namespace, queueName string, entries []DeleteBatchEntry) ([]DeleteBatchResult, error) {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(entries) == 0 {
		return nil, trace.BadParameter("empty batch")
	}
	if len(entries) > defaults.MaxBatchEntries {
		return nil, trace.BadParameter("batch exceeds %d entries", defaults.MaxBatchEntries)
	}
	results := make([]DeleteBatchResult, 0, len(entries))
	err := e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, entry := range entries {
			id, err := ParseReceiptHandle(entry.ReceiptHandle)
			if err != nil {
				results = append(results, DeleteBatchResult{
					ID:    entry.ID,
					Error: "invalid receipt handle",
				})
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM messages WHERE id = ? AND queue_id = ?", id, q.id); err != nil {
				return trace.Wrap(err)
			}
			results = append(results, DeleteBatchResult{ID: entry.ID, Ok: true})
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return results, nil
}

// Purge removes every message in the queue.
func (e *Engine) Purge(ctx context.Context, authorizedNS, namespace, queueName string) error {
	if err := checkNamespace(authorizedNS, namespace); err != nil {
		return trace.Wrap(err)
	}
	return e.storage.InTransaction(ctx, func(tx *sql.Tx) error {
		q, err := resolveQueue(ctx, tx, namespace, queueName)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE queue_id = ?", q.id)
		return trace.Wrap(err)
	})
}

// ParseReceiptHandle converts the wire receipt handle back to a message
// id.
func ParseReceiptHandle(handle string) (int64, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return 0, trace.BadParameter("missing receipt handle")
	}
	id, err := strconv.ParseInt(handle, 10, 64)
	if err != nil || id <= 0 {
		return 0, trace.BadParameter("invalid receipt handle %q", handle)
	}
	return id, nil
}

// FormatReceiptHandle renders a message id as a wire receipt handle.
func FormatReceiptHandle(id int64) string {
	return strconv.FormatInt(id, 10)
}

func messageAttributes(ctx context.Context, tx *sql.Tx, messageID int64) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT k, v FROM message_attributes WHERE message_id = ?", messageID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	attrs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, trace.Wrap(err)
		}
		attrs[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func senderID(user *services.User) *int64 {
	if user == nil {
		return nil
	}
	id := user.ID
	return &id
}
