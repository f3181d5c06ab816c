package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/dedup"
	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/kv"
	"github.com/notifyhub/relay/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	q     *queue.Queue
	mr    *miniredis.Miniredis
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	keys := kv.NewKeys("test")
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	q := queue.New(store, keys, dedup.New(store, keys, 0), zap.NewNop(), queue.Options{Now: clock.Now})
	return &fixture{q: q, mr: mr, clock: clock}
}

func qrPayload(orderID string) domain.QRGeneration {
	return domain.QRGeneration{OrderID: orderID}
}

func TestEnqueue_FingerprintSuppressesDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := queue.EnqueueOptions{Fingerprint: "qr_gen_123"}

	msg, dup, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("123"), opts)
	require.NoError(t, err)
	assert.False(t, dup)
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 3, msg.MaxRetries)

	msg, dup, err = f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("123"), opts)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Nil(t, msg)

	stats, err := f.q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Ready: 1}, stats)
}

func TestEnqueue_FingerprintIsScopedPerQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := queue.EnqueueOptions{Fingerprint: "qr_gen_123"}

	_, dup, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("123"), opts)
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = f.q.Enqueue(ctx, "other", domain.JobQRGeneration, qrPayload("123"), opts)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, "bad:name", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidQueue)

	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobType("mystery"), qrPayload("1"), queue.EnqueueOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownJobType)

	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, json.RawMessage(`{"orderId":"1","extra":true}`), queue.EnqueueOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobNotificationDelivery,
		domain.Notification{Channel: "fax", Recipient: "x", Body: "hi"}, queue.EnqueueOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidChannel)
}

func TestEnqueue_DelayedJobHiddenUntilDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{Delay: 5 * time.Second})
	require.NoError(t, err)

	moved, err := f.q.FlushDue(ctx, "jobs", 100)
	require.NoError(t, err)
	assert.Zero(t, moved)

	msgs, err := f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	f.clock.Advance(5 * time.Second)

	moved, err = f.q.FlushDue(ctx, "jobs", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	msgs, err = f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.JobQRGeneration, msgs[0].Type)
}

func TestFlushDue_RespectsLimitAndDueOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, d := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration,
			qrPayload(string(rune('a'+i))), queue.EnqueueOptions{Delay: d})
		require.NoError(t, err)
	}
	f.clock.Advance(10 * time.Second)

	moved, err := f.q.FlushDue(ctx, "jobs", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	msgs, err := f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"orderId":"b"}`, string(msgs[0].Payload))
	assert.JSONEq(t, `{"orderId":"c"}`, string(msgs[1].Payload))
}

func TestPop_FIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload(id), queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	msgs, err := f.q.Pop(ctx, "jobs", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"orderId":"1"}`, string(msgs[0].Payload))
	assert.JSONEq(t, `{"orderId":"2"}`, string(msgs[1].Payload))

	msgs, err = f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"orderId":"3"}`, string(msgs[0].Payload))
}

func TestPop_DropsMalformedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mr.Push("test:q:jobs:ready", "not json")
	require.NoError(t, err)
	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	msgs, err := f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"orderId":"1"}`, string(msgs[0].Payload))

	stats, err := f.q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)
}

func TestRetryOrDeadletter_ExhaustsToSingleDeadletter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{MaxRetries: 3})
	require.NoError(t, err)

	boom := errors.New("provider down")
	var deadlettered int
	for i := 0; i < 10; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.q.FlushDue(ctx, "jobs", 100)
		require.NoError(t, err)

		msgs, err := f.q.Pop(ctx, "jobs", 10)
		require.NoError(t, err)
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			dead, err := f.q.RetryOrDeadletter(ctx, "jobs", m, boom)
			require.NoError(t, err)
			if dead {
				deadlettered++
			}
		}
	}

	assert.Equal(t, 1, deadlettered)
	stats, err := f.q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Dead: 1}, stats)

	raw, err := f.mr.Lpop("test:q:jobs:deadletter")
	require.NoError(t, err)
	var dead domain.QueueMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &dead))
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "provider down", dead.LastError)
	require.NotNil(t, dead.LastAttempt)
}

func TestRetryOrDeadletter_SchedulesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = f.q.Pop(ctx, "jobs", 1)
	require.NoError(t, err)

	dead, err := f.q.RetryOrDeadletter(ctx, "jobs", msg, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, 1, msg.Attempts)

	// attempts=1 -> 2s
	f.clock.Advance(1999 * time.Millisecond)
	moved, err := f.q.FlushDue(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Zero(t, moved)

	f.clock.Advance(time.Millisecond)
	moved, err = f.q.FlushDue(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestBackoff(t *testing.T) {
	f := newFixture(t)

	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		8:  256 * time.Second,
		9:  5 * time.Minute,
		40: 5 * time.Minute,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, f.q.Backoff(attempts), "attempts=%d", attempts)
	}
}

func TestDeadletter_Immediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = f.q.Pop(ctx, "jobs", 1)
	require.NoError(t, err)

	require.NoError(t, f.q.Deadletter(ctx, "jobs", msg, errors.New("bad recipient")))

	stats, err := f.q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Dead: 1}, stats)
}

func TestRetryDeadletter_ResetsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)
	_, err = f.q.Pop(ctx, "jobs", 1)
	require.NoError(t, err)
	dead, err := f.q.RetryOrDeadletter(ctx, "jobs", msg, errors.New("x"))
	require.NoError(t, err)
	require.True(t, dead)

	n, err := f.q.RetryDeadletter(ctx, "jobs", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := f.q.Pop(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Zero(t, msgs[0].Attempts)
	assert.Empty(t, msgs[0].LastError)
	assert.Nil(t, msgs[0].LastAttempt)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("2"), queue.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	require.NoError(t, f.q.Clear(ctx, "jobs"))

	stats, err := f.q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)
}

func TestIsDuplicate_ContentFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"orderId":"1"}`)
	dup, err := f.q.IsDuplicate(ctx, "jobs", domain.JobQRGeneration, payload)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = f.q.IsDuplicate(ctx, "jobs", domain.JobQRGeneration, json.RawMessage(`{ "orderId": "1" }`))
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, f.q.ForgetDone(ctx, "jobs", domain.JobQRGeneration, payload))

	dup, err = f.q.IsDuplicate(ctx, "jobs", domain.JobQRGeneration, payload)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRequeue_KeepsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	msgs, err := f.q.Pop(ctx, "jobs", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, _, err = f.q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload("2"), queue.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, f.q.Requeue(ctx, "jobs", msgs[0]))

	again, err := f.q.Pop(ctx, "jobs", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)
	assert.Zero(t, again[0].Attempts)
}

// flakyStore fails the nth RPush call.
type flakyStore struct {
	kv.Store
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakyStore) RPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return errors.New("redis blip")
	}
	return s.Store.RPush(ctx, key, values...)
}

func TestRetryDeadletter_PushFailureKeepsRemainingEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	keys := kv.NewKeys("test")
	store := &flakyStore{Store: kv.NewRedisStore(client)}
	q := queue.New(store, keys, dedup.New(store, keys, 0), zap.NewNop(), queue.Options{})
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"1", "2", "3"} {
		msg, _, err := q.Enqueue(ctx, "jobs", domain.JobQRGeneration, qrPayload(id), queue.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	msgs, err := q.Pop(ctx, "jobs", 3)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, q.Deadletter(ctx, "jobs", m, errors.New("boom")))
	}

	// 3 enqueues + 3 deadletters, then the second requeue push fails.
	store.mu.Lock()
	store.failOn = store.calls + 2
	store.mu.Unlock()

	n, err := q.RetryDeadletter(ctx, "jobs", 3)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	s, err := q.Stats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Ready: 1, Dead: 2}, s)

	n, err = q.RetryDeadletter(ctx, "jobs", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Pop(ctx, "jobs", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids, []string{got[0].ID, got[1].ID, got[2].ID})
}
