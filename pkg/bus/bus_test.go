package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleforge/teleforge/pkg/metrics"
)

type testPayload struct {
	IdemKey  string `json:"idempotency_key"`
	TraceID  string `json:"trace_id"`
	TenantID string `json:"tenant_id"`
	Schema   int    `json:"schema_version"`
	Value    string `json:"value"`
}

func (p testPayload) Headers() (string, string, string, int, time.Time) {
	return p.IdemKey, p.TraceID, p.TenantID, p.Schema, time.Now().UTC()
}

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestPublish_AssignsLogID(t *testing.T) {
	b, _ := newTestBus(t)

	id, err := b.Publish(context.Background(), "stream:test.event", testPayload{
		IdemKey: "k1", TraceID: "t1", TenantID: "acme", Schema: 1, Value: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := b.Client().XLen(context.Background(), "stream:test.event").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublish_EmptyIdempotencyKeyRejected(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.Publish(context.Background(), "stream:test.event", testPayload{TraceID: "t1"})
	require.Error(t, err)
	_, permanent := IsPermanent(err)
	assert.True(t, permanent)
}

func TestConsumer_DeliverAndAck(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "k1", Value: "one"})
	require.NoError(t, err)

	got := make(chan Entry, 1)
	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "c1", BlockDuration: 50 * time.Millisecond,
	}, func(_ context.Context, e Entry) error {
		got <- e
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	select {
	case e := <-got:
		assert.Equal(t, "k1", e.IdempotencyKey)
		var p testPayload
		require.NoError(t, e.Decode(&p))
		assert.Equal(t, "one", p.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("entry never delivered")
	}

	// The ack must clear the pending-entry list.
	assert.Eventually(t, func() bool {
		pending, err := b.Client().XPending(context.Background(), "stream:test.event", "g1").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestConsumer_PermanentErrorDeadLetters(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "bad", Value: "poison"})
	require.NoError(t, err)

	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "c1", BlockDuration: 50 * time.Millisecond,
	}, func(_ context.Context, _ Entry) error {
		return Permanent(ErrCodeBadInput, errors.New("unknown enum"))
	})

	go func() { _ = consumer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		depth, err := b.DLQDepth(context.Background(), "stream:test.event")
		return err == nil && depth == 1
	}, 5*time.Second, 20*time.Millisecond)

	// DLQed implies acked: nothing may stay pending.
	assert.Eventually(t, func() bool {
		pending, err := b.Client().XPending(context.Background(), "stream:test.event", "g1").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)

	msgs, err := b.ListDLQ(context.Background(), "stream:test.event", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(ErrCodeBadInput), msgs[0].Values["error_code"])
}

func TestConsumer_TransientErrorLeavesPending(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "k1", Value: "flaky"})
	require.NoError(t, err)

	var calls atomic.Int64
	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "c1", BlockDuration: 50 * time.Millisecond,
	}, func(_ context.Context, _ Entry) error {
		calls.Add(1)
		return errors.New("db timeout")
	})

	go func() { _ = consumer.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	pending, err := b.Client().XPending(context.Background(), "stream:test.event", "g1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

type memRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *memRecorder) Record(_ context.Context, _, kind string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *memRecorder) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestConsumer_FailuresReachRecorder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "k1", Value: "flaky"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "bad", Value: "poison"})
	require.NoError(t, err)

	rec := &memRecorder{}
	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "c1", BlockDuration: 50 * time.Millisecond, Recorder: rec,
	}, func(_ context.Context, e Entry) error {
		if e.IdempotencyKey == "bad" {
			return Permanent(ErrCodeBadInput, errors.New("unknown enum"))
		}
		return errors.New("db timeout")
	})

	go func() { _ = consumer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return rec.has("retry") && rec.has("error")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConsumer_ClaimsStaleEntriesFromDeadConsumer(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "k1", Value: "orphaned"})
	require.NoError(t, err)

	// A first consumer reads the entry and dies without acking.
	require.NoError(t, b.Client().XGroupCreateMkStream(ctx, "stream:test.event", "g1", "0").Err())
	_, err = b.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "g1", Consumer: "dead", Streams: []string{"stream:test.event", ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)

	// Make the pending entry look idle past the claim threshold.
	// FastForward only decrements TTLs; stream idle time follows the
	// server clock, so advance it with SetTime instead.
	mr.SetTime(time.Now().Add(2 * time.Minute))

	got := make(chan Entry, 1)
	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "successor",
		ClaimMinIdle: time.Minute, BlockDuration: 50 * time.Millisecond,
	}, func(_ context.Context, e Entry) error {
		got <- e
		return nil
	})
	go func() { _ = consumer.Run(ctx) }()

	select {
	case e := <-got:
		assert.Equal(t, "k1", e.IdempotencyKey)
		assert.GreaterOrEqual(t, e.Deliveries, int64(2))
	case <-time.After(5 * time.Second):
		t.Fatal("stale entry never claimed")
	}
}

func TestConsumer_ExhaustedDeliveriesDeadLetter(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "stream:test.event", testPayload{IdemKey: "k1", Value: "poison"})
	require.NoError(t, err)

	require.NoError(t, b.Client().XGroupCreateMkStream(ctx, "stream:test.event", "g1", "0").Err())

	// Burn the delivery budget with claim cycles that never ack.
	// FastForward only decrements TTLs; stream idle time follows the
	// server clock, so advance it with SetTime instead.
	clock := time.Now()
	for i := 0; i < 5; i++ {
		_, err = b.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: "g1", Consumer: fmt.Sprintf("worker-%d", i),
			Streams: []string{"stream:test.event", ">"}, Count: 1,
			// A zero Block sends "BLOCK 0" (wait forever); -1 makes the
			// read non-blocking so empty iterations return redis.Nil.
			Block: -1,
		}).Result()
		if err != nil && err != redis.Nil {
			t.Fatalf("XReadGroup: %v", err)
		}
		clock = clock.Add(2 * time.Minute)
		mr.SetTime(clock)
		_, _, err := b.Client().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream: "stream:test.event", Group: "g1", Consumer: fmt.Sprintf("claimer-%d", i),
			MinIdle: time.Minute, Start: "0-0", Count: 10,
		}).Result()
		require.NoError(t, err)
		clock = clock.Add(2 * time.Minute)
		mr.SetTime(clock)
	}

	var calls atomic.Int64
	consumer := NewConsumer(b, "stream:test.event", ConsumerOptions{
		Group: "g1", Consumer: "final",
		ClaimMinIdle: time.Minute, MaxDeliveries: 5, BlockDuration: 50 * time.Millisecond,
	}, func(_ context.Context, _ Entry) error {
		calls.Add(1)
		return nil
	})
	go func() { _ = consumer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		depth, err := b.DLQDepth(context.Background(), "stream:test.event")
		return err == nil && depth == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The exhausted entry must not reach the handler again.
	assert.Equal(t, int64(0), calls.Load())
}

func TestReplayDLQ_RestoresPayloadToBaseStream(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{IdemKey: "k1", TraceID: "t1", Schema: 1, Value: "recovered"})
	require.NoError(t, b.PublishDLQ(ctx, "stream:test.event", string(payload), ErrCodeTransientExhausted, 5))

	msgs, err := b.ListDLQ(ctx, "stream:test.event", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, b.ReplayDLQ(ctx, "stream:test.event", msgs[0].ID))

	n, err := b.Client().XLen(ctx, "stream:test.event").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := b.DLQDepth(ctx, "stream:test.event")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func newMirroredBus(t *testing.T) (*Bus, sqlmock.Sqlmock) {
	t.Helper()
	b, _ := newTestBus(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return b.WithDLQStore(db), mock
}

func TestPublishDLQ_MirrorsRecordToStore(t *testing.T) {
	b, mock := newMirroredBus(t)

	mock.ExpectExec(`INSERT INTO dlq_events`).
		WithArgs(sqlmock.AnyArg(), "stream:test.event", `{"idempotency_key":"k1"}`,
			string(ErrCodeBadInput), 5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, b.PublishDLQ(context.Background(), "stream:test.event",
		`{"idempotency_key":"k1"}`, ErrCodeBadInput, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishDLQ_MirrorFailureKeepsSidecarRecord(t *testing.T) {
	b, mock := newMirroredBus(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO dlq_events`).WillReturnError(errors.New("db down"))

	require.NoError(t, b.PublishDLQ(ctx, "stream:test.event",
		`{"idempotency_key":"k1"}`, ErrCodeBadInput, 5))

	depth, err := b.DLQDepth(ctx, "stream:test.event")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestReplayDLQ_MarksMirroredRecordTerminal(t *testing.T) {
	b, mock := newMirroredBus(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO dlq_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	payload := `{"idempotency_key":"k1","trace_id":"tr-1","tenant_id":"t1","schema_version":1}`
	require.NoError(t, b.PublishDLQ(ctx, "stream:test.event", payload, ErrCodeTransientExhausted, 5))

	msgs, err := b.ListDLQ(ctx, "stream:test.event", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	mock.ExpectExec(`UPDATE dlq_events SET terminal`).
		WithArgs("stream:test.event", msgs[0].ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.ReplayDLQ(ctx, "stream:test.event", msgs[0].ID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQDepthGaugeFollowsSidecar(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.PublishDLQ(ctx, "stream:gauge.event",
		`{"idempotency_key":"k1","schema_version":1}`, ErrCodeBadInput, 5))
	gauge := metrics.DLQDepth.WithLabelValues("stream:gauge.event")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	msgs, err := b.ListDLQ(ctx, "stream:gauge.event", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b.ReplayDLQ(ctx, "stream:gauge.event", msgs[0].ID))
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}
