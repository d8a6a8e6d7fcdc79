package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

type stubThrottler struct {
	events []model.ActivityEvent
}

func (s *stubThrottler) EnqueueEvent(_ context.Context, ev model.ActivityEvent) {
	s.events = append(s.events, ev)
}

type publishCall struct {
	channel  string
	payload  []byte
	tenantID string
}

type stubBroker struct {
	calls []publishCall
	err   error
}

func (s *stubBroker) Publish(_ context.Context, channel string, payload []byte, tenantID string) error {
	s.calls = append(s.calls, publishCall{channel, payload, tenantID})
	return s.err
}

type stubStore struct {
	status  string
	entries []model.QueueEntry
	err     error

	statusCalls int
}

func (s *stubStore) GetStatusByID(context.Context, uuid.UUID) (string, error) {
	s.statusCalls++
	return s.status, s.err
}

func (s *stubStore) ListByStatus(context.Context, string) ([]model.QueueEntry, error) {
	return s.entries, s.err
}

type stubCache struct {
	values map[string]string
	getErr error
	setErr error

	setCalls int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (c *stubCache) GetWithRetry(_ context.Context, _ retry.Strategy, key string) (string, error) {
	if c.getErr != nil {
		return "", c.getErr
	}
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (c *stubCache) SetWithRetry(_ context.Context, _ retry.Strategy, key string, value interface{}) error {
	c.setCalls++
	if c.setErr != nil {
		return c.setErr
	}
	c.values[key] = value.(string)
	return nil
}

func event(tenantID string) model.ActivityEvent {
	return model.ActivityEvent{
		ActorID:      "u1",
		ActorName:    "Alice",
		Action:       "task_updated",
		SubjectID:    "t1",
		SubjectTitle: "Ship it",
		Recipients:   []string{"u2"},
		TenantID:     tenantID,
	}
}

func TestPublishEvent_FeedsBothPipelines(t *testing.T) {
	th := &stubThrottler{}
	br := &stubBroker{}
	s := NewService(th, br, &stubStore{}, newStubCache(), "board-events", false)

	s.PublishEvent(context.Background(), event(""))

	require.Len(t, th.events, 1)
	assert.Equal(t, "t1", th.events[0].SubjectID)

	require.Len(t, br.calls, 1)
	assert.Equal(t, "board-events", br.calls[0].channel)
	assert.JSONEq(t, `{"action":"task_updated","subject_id":"t1","actor_id":"u1"}`, string(br.calls[0].payload))
}

func TestPublishEvent_SingleTenantIgnoresTenantID(t *testing.T) {
	br := &stubBroker{}
	s := NewService(&stubThrottler{}, br, &stubStore{}, newStubCache(), "board-events", false)

	s.PublishEvent(context.Background(), event("acme"))

	require.Len(t, br.calls, 1)
	assert.Empty(t, br.calls[0].tenantID)
}

func TestPublishEvent_MultiTenantPassesTenantID(t *testing.T) {
	br := &stubBroker{}
	s := NewService(&stubThrottler{}, br, &stubStore{}, newStubCache(), "board-events", true)

	s.PublishEvent(context.Background(), event("acme"))

	require.Len(t, br.calls, 1)
	assert.Equal(t, "acme", br.calls[0].tenantID)
}

func TestPublishEvent_BrokerFailureIsSwallowed(t *testing.T) {
	th := &stubThrottler{}
	br := &stubBroker{err: errors.New("redis down")}
	s := NewService(th, br, &stubStore{}, newStubCache(), "board-events", false)

	// Must not panic: the fanout is best-effort.
	s.PublishEvent(context.Background(), event(""))

	assert.Len(t, th.events, 1, "queue path runs regardless of fanout health")
}

func TestGetEntryStatus_CacheHit(t *testing.T) {
	id := uuid.New()
	cache := newStubCache()
	cache.values[id.String()] = model.StatusSent

	repo := &stubStore{status: model.StatusFailed}
	s := NewService(&stubThrottler{}, &stubBroker{}, repo, cache, "board-events", false)

	status, err := s.GetEntryStatus(context.Background(), retry.Strategy{}, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, status)
	assert.Zero(t, repo.statusCalls, "a cache hit must not touch the store")
}

func TestGetEntryStatus_MissFallsThroughAndCaches(t *testing.T) {
	id := uuid.New()
	cache := newStubCache()
	repo := &stubStore{status: model.StatusPending}
	s := NewService(&stubThrottler{}, &stubBroker{}, repo, cache, "board-events", false)

	status, err := s.GetEntryStatus(context.Background(), retry.Strategy{}, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)
	assert.Equal(t, 1, repo.statusCalls)
	assert.Equal(t, model.StatusPending, cache.values[id.String()])
}

func TestGetEntryStatus_CacheOutageFallsThrough(t *testing.T) {
	id := uuid.New()
	cache := newStubCache()
	cache.getErr = errors.New("connection refused")
	cache.setErr = cache.getErr

	repo := &stubStore{status: model.StatusSent}
	s := NewService(&stubThrottler{}, &stubBroker{}, repo, cache, "board-events", false)

	status, err := s.GetEntryStatus(context.Background(), retry.Strategy{}, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, status)
}

func TestGetEntryStatus_StoreErrorPropagates(t *testing.T) {
	repo := &stubStore{err: errors.New("db down")}
	s := NewService(&stubThrottler{}, &stubBroker{}, repo, newStubCache(), "board-events", false)

	_, err := s.GetEntryStatus(context.Background(), retry.Strategy{}, uuid.New())
	assert.Error(t, err)
}

func TestListEntries(t *testing.T) {
	repo := &stubStore{entries: []model.QueueEntry{{ID: uuid.New(), Status: model.StatusFailed}}}
	s := NewService(&stubThrottler{}, &stubBroker{}, repo, newStubCache(), "board-events", false)

	entries, err := s.ListEntries(context.Background(), model.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
