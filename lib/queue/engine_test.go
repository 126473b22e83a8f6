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
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/kms"
	"github.com/creekmq/creek/lib/services"
	"github.com/creekmq/creek/lib/storage"
)

type testEnv struct {
	engine   *Engine
	identity *services.Identity
	clock    *clockwork.FakeClock
	user     *services.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "creek.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	identity := services.NewIdentity(services.IdentityConfig{
		Storage: store,
		KMS:     kms.NewMemoryKMS(),
		Clock:   clock,
	})
	user, err := identity.CreateUser(ctx, "alice@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	_, err = identity.CreateNamespace(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)

	engine := NewEngine(Config{Storage: store, Clock: clock})
	_, err = engine.CreateQueue(ctx, "ns1", user, "ns1", "orders", nil, nil)
	require.NoError(t, err)
	return &testEnv{engine: engine, identity: identity, clock: clock, user: user}
}

func TestSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sent, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders",
		[]byte("hello"), map[string]string{"trace_id": "abc"}, SendOptions{})
	require.NoError(t, err)
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", sent.MD5OfBody)

	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, sent.MessageID, msgs[0].ID)
	require.Equal(t, []byte("hello"), msgs[0].Body)
	require.Equal(t, "abc", msgs[0].Attributes["trace_id"])
	require.Equal(t, 1, msgs[0].Attempts)

	// The message stays invisible until the visibility window passes.
	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, env.engine.Delete(ctx, "ns1", "ns1", "orders", sent.MessageID))
	// Delete is idempotent.
	require.NoError(t, env.engine.Delete(ctx, "ns1", "ns1", "orders", sent.MessageID))

	env.clock.Advance(time.Hour)
	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var want []int64
	for i := 0; i < 10; i++ {
		sent, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders",
			[]byte(fmt.Sprintf("m%d", i)), nil, SendOptions{})
		require.NoError(t, err)
		want = append(want, sent.MessageID)
	}
	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		require.Equal(t, want[i], m.ID)
	}
}

func TestConcurrentReceiversNeverShareMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const total = 100
	for i := 0; i < total; i++ {
		_, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders",
			[]byte(strconv.Itoa(i)), nil, SendOptions{})
		require.NoError(t, err)
	}

	const receivers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = make(map[int64]int)
		sequences = make([][]int64, receivers)
		errs      []error
	)
	for r := 0; r < receivers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for {
				msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 10, 0)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				for _, m := range msgs {
					seen[m.ID]++
					sequences[r] = append(sequences[r], m.ID)
				}
				done := len(msgs) == 0
				mu.Unlock()
				if done {
					return
				}
			}
		}(r)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %d delivered %d times", id, n)
	}

	// Each receiver's own sequence is strictly increasing.
	for r, seq := range sequences {
		for i := 1; i < len(seq); i++ {
			require.Greater(t, seq[i], seq[i-1],
				"receiver %d got ids out of order: %v", r, seq)
		}
	}

	// Globally every id was handed out exactly once, with no gaps.
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		require.Equal(t, ids[i-1]+1, ids[i])
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sent, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("x"), nil, SendOptions{})
	require.NoError(t, err)

	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].Attempts)

	// Before the window expires the message is invisible.
	env.clock.Advance(5 * time.Second)
	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// After expiry it comes back with a bumped attempt count.
	env.clock.Advance(6 * time.Second)
	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, sent.MessageID, msgs[0].ID)
	require.Equal(t, 2, msgs[0].Attempts)
}

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.CreateQueue(ctx, "ns1", env.user, "ns1", "orders-dlq", nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.engine.SetAttributes(ctx, "ns1", "ns1", "orders", map[string]string{
		AttrMaxRetries:       "2",
		AttrDeadLetterTarget: "orders-dlq",
	}))

	sent, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders",
		[]byte("poison"), map[string]string{"trace_id": "xyz"}, SendOptions{})
	require.NoError(t, err)

	// Burn both attempts without deleting.
	for i := 0; i < 2; i++ {
		msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 5)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		env.clock.Advance(10 * time.Second)
	}

	// The third receive dead-letters the message instead of delivering it.
	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 5)
	require.NoError(t, err)
	require.Empty(t, msgs)

	moved, err := env.engine.Receive(ctx, "ns1", "ns1", "orders-dlq", 1, 5)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, []byte("poison"), moved[0].Body)
	require.Equal(t, "xyz", moved[0].Attributes["trace_id"])
	// Attempts restart in the DLQ.
	require.Equal(t, 1, moved[0].Attempts)
	require.NotEqual(t, sent.MessageID, moved[0].ID)

	stats, err := env.engine.Stats(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Zero(t, stats.MessageCount)
}

func TestExhaustedWithoutDLQIsDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.engine.SetAttributes(ctx, "ns1", "ns1", "orders",
		map[string]string{AttrMaxRetries: "1"}))

	_, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("x"), nil, SendOptions{})
	require.NoError(t, err)

	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	env.clock.Advance(10 * time.Second)

	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 5)
	require.NoError(t, err)
	require.Empty(t, msgs)

	stats, err := env.engine.Stats(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Zero(t, stats.MessageCount)
}

func TestDelaySeconds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("later"), nil,
		SendOptions{DelaySeconds: 30})
	require.NoError(t, err)

	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	env.clock.Advance(31 * time.Second)
	msgs, err = env.engine.Receive(ctx, "ns1", "ns1", "orders", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSendBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	results, err := env.engine.SendBatch(ctx, "ns1", env.user, "ns1", "orders", []BatchEntry{
		{ID: "a", Body: []byte("one")},
		{ID: "b", Body: []byte("two")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "b", results[1].ID)
	require.Less(t, results[0].MessageID, results[1].MessageID)

	_, err = env.engine.SendBatch(ctx, "ns1", env.user, "ns1", "orders", nil)
	require.True(t, trace.IsBadParameter(err))

	over := make([]BatchEntry, 11)
	for i := range over {
		over[i] = BatchEntry{ID: strconv.Itoa(i), Body: []byte("x")}
	}
	_, err = env.engine.SendBatch(ctx, "ns1", env.user, "ns1", "orders", over)
	require.True(t, trace.IsBadParameter(err))
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("one"), nil, SendOptions{})
	require.NoError(t, err)
	second, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("two"), nil, SendOptions{})
	require.NoError(t, err)

	results, err := env.engine.DeleteBatch(ctx, "ns1", "ns1", "orders", []DeleteBatchEntry{
		{ID: "a", ReceiptHandle: FormatReceiptHandle(first.MessageID)},
		{ID: "b", ReceiptHandle: "not-a-handle"},
		{ID: "c", ReceiptHandle: FormatReceiptHandle(second.MessageID)},
		{ID: "d", ReceiptHandle: FormatReceiptHandle(9999)}, // absent id still succeeds
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.True(t, results[0].Ok)
	require.False(t, results[1].Ok)
	require.NotEmpty(t, results[1].Error)
	require.True(t, results[2].Ok)
	require.True(t, results[3].Ok)

	stats, err := env.engine.Stats(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Zero(t, stats.MessageCount)
}

func TestParseReceiptHandle(t *testing.T) {
	for _, tc := range []struct {
		handle string
		id     int64
		ok     bool
	}{
		{handle: "7", id: 7, ok: true},
		{handle: " 42 ", id: 42, ok: true},
		{handle: "7abc"}, // trailing garbage must not alias id 7
		{handle: "abc"},
		{handle: ""},
		{handle: "0"},
		{handle: "-3"},
		{handle: "7 8"},
	} {
		id, err := ParseReceiptHandle(tc.handle)
		if !tc.ok {
			require.True(t, trace.IsBadParameter(err), "handle %q: %v", tc.handle, err)
			continue
		}
		require.NoError(t, err, "handle %q", tc.handle)
		require.Equal(t, tc.id, id)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		_, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte("x"), nil, SendOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, env.engine.Purge(ctx, "ns1", "ns1", "orders"))
	msgs, err := env.engine.Receive(ctx, "ns1", "ns1", "orders", 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCrossNamespaceIsDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A caller authorized for another namespace is refused before the
	// queue is even resolved, so the error does not leak existence.
	_, err := env.engine.Send(ctx, "ns2", env.user, "ns1", "orders", []byte("x"), nil, SendOptions{})
	require.True(t, trace.IsAccessDenied(err))
	_, err = env.engine.Receive(ctx, "ns2", "ns1", "orders", 1, 0)
	require.True(t, trace.IsAccessDenied(err))
	err = env.engine.Delete(ctx, "ns2", "ns1", "no-such-queue", 1)
	require.True(t, trace.IsAccessDenied(err))
	_, err = env.engine.Send(ctx, "", env.user, "ns1", "orders", []byte("x"), nil, SendOptions{})
	require.True(t, trace.IsAccessDenied(err))
}

func TestQueueAttributesAndTags(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.engine.SetAttributes(ctx, "ns1", "ns1", "orders", map[string]string{
		AttrVisibilityTimeout: "60",
		"custom":              "value",
	}))
	attrs, err := env.engine.GetAttributes(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Equal(t, "60", attrs[AttrVisibilityTimeout])
	require.Equal(t, "value", attrs["custom"])
	require.Equal(t, "3", attrs[AttrMaxRetries])

	err = env.engine.SetAttributes(ctx, "ns1", "ns1", "orders",
		map[string]string{AttrVisibilityTimeout: "nope"})
	require.True(t, trace.IsBadParameter(err))
	err = env.engine.SetAttributes(ctx, "ns1", "ns1", "orders",
		map[string]string{AttrDeadLetterTarget: "missing"})
	require.True(t, trace.IsNotFound(err))
	err = env.engine.SetAttributes(ctx, "ns1", "ns1", "orders",
		map[string]string{AttrDeadLetterTarget: "orders"})
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, env.engine.TagQueue(ctx, "ns1", "ns1", "orders",
		map[string]string{"team": "payments"}))
	tags, err := env.engine.ListTags(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Equal(t, "payments", tags["team"])
	require.NoError(t, env.engine.UntagQueue(ctx, "ns1", "ns1", "orders", []string{"team"}))
	tags, err = env.engine.ListTags(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.CreateQueue(ctx, "ns1", env.user, "ns1", "orders", nil, nil)
	require.True(t, trace.IsAlreadyExists(err))

	_, err = env.engine.CreateQueue(ctx, "ns1", env.user, "ns1", "orders-v2", nil, nil)
	require.NoError(t, err)
	queues, err := env.engine.ListQueues(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.Len(t, queues, 2)
	queues, err = env.engine.ListQueues(ctx, "ns1", "ns1", "orders-v")
	require.NoError(t, err)
	require.Len(t, queues, 1)

	require.NoError(t, env.engine.DeleteQueue(ctx, "ns1", env.user, "ns1", "orders-v2"))
	_, err = env.engine.GetQueue(ctx, "ns1", "ns1", "orders-v2")
	require.True(t, trace.IsNotFound(err))

	// A user without ownership or can_delete_ns cannot delete the queue.
	bob, err := env.identity.CreateUser(ctx, "bob@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	require.NoError(t, env.identity.GrantPermission(ctx, "bob@example.com", "ns1", false))
	err = env.engine.DeleteQueue(ctx, "ns1", bob, "ns1", "orders")
	require.True(t, trace.IsAccessDenied(err))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, body := range []string{"aa", "bbbb"} {
		_, err := env.engine.Send(ctx, "ns1", env.user, "ns1", "orders", []byte(body), nil, SendOptions{})
		require.NoError(t, err)
	}
	stats, err := env.engine.Stats(ctx, "ns1", "ns1", "orders")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.MessageCount)
	require.InDelta(t, 3.0, stats.AvgSizeBytes, 0.001)

	_, err = env.engine.Stats(ctx, "ns1", "ns1", "no-such-queue")
	require.True(t, trace.IsNotFound(err))

	global, err := env.engine.GlobalStats(ctx, env.user)
	require.NoError(t, err)
	require.Contains(t, global, "ns1/orders")

	nsStats, err := env.engine.NamespaceStatsAll(ctx, env.user)
	require.NoError(t, err)
	require.Len(t, nsStats, 1)
	require.EqualValues(t, 1, nsStats[0].QueueCount)

	// Users without a grant see nothing.
	carol, err := env.identity.CreateUser(ctx, "carol@example.com", "pw", creek.RoleUser, nil)
	require.NoError(t, err)
	global, err = env.engine.GlobalStats(ctx, carol)
	require.NoError(t, err)
	require.Empty(t, global)
}
