package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

type upsertCall struct {
	recipientID, subjectID, category string
	snap                             model.Snapshot
	now                              time.Time
	delay                            time.Duration
}

type stubStore struct {
	calls []upsertCall
	err   error
}

func (s *stubStore) UpsertPending(_ context.Context, recipientID, subjectID, category string, snap model.Snapshot, now time.Time, delay time.Duration) (uuid.UUID, error) {
	s.calls = append(s.calls, upsertCall{recipientID, subjectID, category, snap, now, delay})
	return uuid.New(), s.err
}

type immediateCall struct {
	recipientID, category string
	snap                  model.Snapshot
}

type stubImmediate struct {
	calls []immediateCall
}

func (s *stubImmediate) SendImmediate(_ context.Context, recipientID, category string, snap model.Snapshot) {
	s.calls = append(s.calls, immediateCall{recipientID, category, snap})
}

func fixedDelay(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestEnqueue_CoalescesIntoStore(t *testing.T) {
	store := &stubStore{}
	immediate := &stubImmediate{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	th := NewThrottler(store, immediate, fixedDelay(time.Minute)).
		WithClock(func() time.Time { return now })

	snap := model.Snapshot{SubjectTitle: "Ship it", ActorName: "Alice"}
	th.Enqueue(context.Background(), "u1", "t1", "task_updated", snap)

	require.Len(t, store.calls, 1)
	assert.Equal(t, "u1", store.calls[0].recipientID)
	assert.Equal(t, "t1", store.calls[0].subjectID)
	assert.Equal(t, now, store.calls[0].now)
	assert.Equal(t, time.Minute, store.calls[0].delay)
	assert.Empty(t, immediate.calls, "enqueue must never call the notifier path")
}

func TestEnqueue_ZeroDelayBypassesQueue(t *testing.T) {
	store := &stubStore{}
	immediate := &stubImmediate{}

	th := NewThrottler(store, immediate, fixedDelay(0))

	snap := model.Snapshot{SubjectTitle: "Ship it"}
	th.Enqueue(context.Background(), "u1", "t1", "task_updated", snap)

	assert.Empty(t, store.calls, "no row may be persisted with zero delay")
	require.Len(t, immediate.calls, 1)
	assert.Equal(t, "u1", immediate.calls[0].recipientID)
	assert.Equal(t, "task_updated", immediate.calls[0].category)
}

func TestEnqueue_StoreFailureIsSwallowed(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	th := NewThrottler(store, &stubImmediate{}, fixedDelay(time.Minute))

	// Must not panic or propagate: a lost notification never fails the
	// business operation that produced the event.
	th.Enqueue(context.Background(), "u1", "t1", "task_updated", model.Snapshot{})

	assert.Len(t, store.calls, 1)
}

func TestEnqueueEvent_FansOutSkippingActor(t *testing.T) {
	store := &stubStore{}
	th := NewThrottler(store, &stubImmediate{}, fixedDelay(time.Minute))

	th.EnqueueEvent(context.Background(), model.ActivityEvent{
		ActorID:      "u1",
		ActorName:    "Alice",
		Action:       "task_updated",
		SubjectID:    "t1",
		SubjectTitle: "Ship it",
		Recipients:   []string{"u1", "u2", "", "u3"},
	})

	require.Len(t, store.calls, 2)
	assert.Equal(t, "u2", store.calls[0].recipientID)
	assert.Equal(t, "u3", store.calls[1].recipientID)
	assert.Equal(t, "Ship it", store.calls[0].snap.SubjectTitle)
}
