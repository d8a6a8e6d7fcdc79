package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
	"github.com/drenlia/easy-kanban-sub008/internal/render"
)

type failureRecord struct {
	retryCount int
	lastErr    string
	at         time.Time
}

type fakeStore struct {
	sent        []uuid.UUID
	failed      map[uuid.UUID]failureRecord
	rescheduled map[uuid.UUID]failureRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failed:      make(map[uuid.UUID]failureRecord),
		rescheduled: make(map[uuid.UUID]failureRecord),
	}
}

func (s *fakeStore) MarkSent(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, retryCount int, lastErr string, now time.Time) error {
	s.failed[id] = failureRecord{retryCount, lastErr, now}
	return nil
}

func (s *fakeStore) Reschedule(_ context.Context, id uuid.UUID, retryCount int, lastErr string, at time.Time) error {
	s.rescheduled[id] = failureRecord{retryCount, lastErr, at}
	return nil
}

type sendCall struct {
	to, subject, body string
}

// fakeNotifier fails according to its script and succeeds afterwards.
type fakeNotifier struct {
	script []error
	calls  []sendCall
	block  time.Duration
}

func (n *fakeNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.calls = append(n.calls, sendCall{to, subject, body})

	if n.block > 0 {
		select {
		case <-time.After(n.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(n.calls) <= len(n.script) {
		return n.script[len(n.calls)-1]
	}
	return nil
}

type fakePrefs struct {
	enabled bool
}

func (p fakePrefs) IsEnabled(context.Context, string, string) bool { return p.enabled }

func newExecutor(store *fakeStore, notifier *fakeNotifier, enabled bool) *Executor {
	return NewExecutor(store, notifier, render.New(), fakePrefs{enabled: enabled}, nil, Config{
		MaxRetries:  3,
		Backoff:     5 * time.Minute,
		SendTimeout: time.Second,
	})
}

func pendingEntry(retryCount, changeCount int) model.QueueEntry {
	now := time.Now()
	return model.QueueEntry{
		ID:          uuid.New(),
		RecipientID: "u1",
		SubjectID:   "t1",
		Category:    "task_updated",
		Snapshot:    model.Snapshot{SubjectTitle: "Ship it", ActorName: "Alice", Action: "task_updated"},
		Status:      model.StatusProcessing,
		ScheduledAt: now.Add(-time.Minute),
		FirstSeenAt: now.Add(-10 * time.Minute),
		LastSeenAt:  now.Add(-time.Minute),
		ChangeCount: changeCount,
		RetryCount:  retryCount,
	}
}

func TestDeliver_Success(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := newExecutor(store, notifier, true)

	entry := pendingEntry(0, 1)
	e.Deliver(context.Background(), []model.QueueEntry{entry})

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "u1", notifier.calls[0].to)
	assert.Contains(t, notifier.calls[0].subject, "Ship it")
	assert.Equal(t, []uuid.UUID{entry.ID}, store.sent)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.rescheduled)
}

func TestDeliver_ConsolidatesGroup(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := newExecutor(store, notifier, true)

	// Two rows for the same key, most recent first; the batch boundary case.
	newer := pendingEntry(0, 2)
	older := pendingEntry(0, 3)
	older.FirstSeenAt = newer.FirstSeenAt.Add(-20 * time.Minute)
	older.Snapshot.SubjectTitle = "Old title"

	e.Deliver(context.Background(), []model.QueueEntry{newer, older})

	require.Len(t, notifier.calls, 1, "one consolidated message per group")
	assert.Contains(t, notifier.calls[0].subject, "5 changes")
	assert.Contains(t, notifier.calls[0].subject, "Ship it", "latest snapshot wins")
	assert.NotContains(t, notifier.calls[0].subject, "Old title")
	assert.Len(t, store.sent, 2)
}

func TestDeliver_PreferenceSuppression(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := newExecutor(store, notifier, false)

	entry := pendingEntry(0, 1)
	e.Deliver(context.Background(), []model.QueueEntry{entry})

	assert.Empty(t, notifier.calls, "notifier must never be called for a disabled category")
	assert.Equal(t, []uuid.UUID{entry.ID}, store.sent, "suppressed rows are marked sent, not retried")
}

func TestDeliver_TransientFailureReschedules(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{script: []error{errors.New("smtp timeout")}}
	e := newExecutor(store, notifier, true)

	entry := pendingEntry(0, 1)
	e.Deliver(context.Background(), []model.QueueEntry{entry})

	assert.Empty(t, store.sent)
	assert.Empty(t, store.failed)

	rec, ok := store.rescheduled[entry.ID]
	require.True(t, ok)
	assert.Equal(t, 1, rec.retryCount)
	assert.Contains(t, rec.lastErr, "smtp timeout")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), rec.at, time.Second)
}

func TestDeliver_RetriesExhaustedGoesTerminal(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{script: []error{errors.New("smtp timeout")}}
	e := newExecutor(store, notifier, true)

	// Third attempt with maxRetries=3: this failure is the last one.
	entry := pendingEntry(2, 1)
	e.Deliver(context.Background(), []model.QueueEntry{entry})

	assert.Empty(t, store.rescheduled)
	rec, ok := store.failed[entry.ID]
	require.True(t, ok)
	assert.Equal(t, 3, rec.retryCount, "retry count equals max retries at terminal failure")
}

func TestDeliver_FailFailSucceed(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{script: []error{errors.New("boom"), errors.New("boom")}}
	e := newExecutor(store, notifier, true)

	entry := pendingEntry(0, 1)

	for attempt := 0; attempt < 3; attempt++ {
		e.Deliver(context.Background(), []model.QueueEntry{entry})
		if rec, ok := store.rescheduled[entry.ID]; ok {
			entry.RetryCount = rec.retryCount
		}
	}

	assert.Len(t, notifier.calls, 3)
	assert.Equal(t, []uuid.UUID{entry.ID}, store.sent)
	assert.Empty(t, store.failed)
	assert.Equal(t, 2, entry.RetryCount, "retry count stays at two when the third attempt succeeds")
}

func TestDeliver_HungNotifierCountsAsFailure(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{block: time.Second}
	e := NewExecutor(store, notifier, render.New(), fakePrefs{enabled: true}, nil, Config{
		MaxRetries:  3,
		Backoff:     5 * time.Minute,
		SendTimeout: 20 * time.Millisecond,
	})

	entry := pendingEntry(0, 1)
	e.Deliver(context.Background(), []model.QueueEntry{entry})

	rec, ok := store.rescheduled[entry.ID]
	require.True(t, ok, "a hung send is a transient failure, not a stall")
	assert.True(t, strings.Contains(rec.lastErr, "timed out") || strings.Contains(rec.lastErr, "context deadline exceeded"))
}

func TestSendImmediate_NeverTouchesStore(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := newExecutor(store, notifier, true)

	e.SendImmediate(context.Background(), "u1", "task_updated", model.Snapshot{SubjectTitle: "Ship it", ActorName: "Alice"})

	require.Len(t, notifier.calls, 1)
	assert.Empty(t, store.sent)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.rescheduled)
}

func TestSendImmediate_FailureIsDropped(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{script: []error{errors.New("boom")}}
	e := newExecutor(store, notifier, true)

	e.SendImmediate(context.Background(), "u1", "task_updated", model.Snapshot{SubjectTitle: "Ship it"})

	assert.Len(t, notifier.calls, 1)
	assert.Empty(t, store.rescheduled, "nothing persisted means nothing to retry")
	assert.Empty(t, store.failed)
}
