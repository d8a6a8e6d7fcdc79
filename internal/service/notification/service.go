package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

type throttler interface {
	EnqueueEvent(ctx context.Context, ev model.ActivityEvent)
}

type broker interface {
	Publish(ctx context.Context, channel string, payload []byte, tenantID string) error
}

type entryStore interface {
	GetStatusByID(ctx context.Context, id uuid.UUID) (string, error)
	ListByStatus(ctx context.Context, status string) ([]model.QueueEntry, error)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// liveUpdate is the fanout payload pushed to connected clients.
type liveUpdate struct {
	Action    string `json:"action"`
	SubjectID string `json:"subject_id"`
	ActorID   string `json:"actor_id"`
}

// Service glues the inbound event surface to the throttler and the live
// fanout, and answers status queries through a read-through cache.
type Service struct {
	throttle    throttler
	broker      broker
	repo        entryStore
	cache       cache
	liveChannel string
	multiTenant bool
}

// NewService creates the notification service facade. With multiTenant off,
// tenant IDs on events are ignored and everything shares one channel.
func NewService(t throttler, b broker, repo entryStore, c cache, liveChannel string, multiTenant bool) *Service {
	return &Service{
		throttle:    t,
		broker:      b,
		repo:        repo,
		cache:       c,
		liveChannel: liveChannel,
		multiTenant: multiTenant,
	}
}

// PublishEvent feeds one committed board mutation into both pipelines: the
// coalescing delivery queue and the immediate live fanout. Neither path is
// allowed to surface an error; a fault here can never fail the mutation.
func (s *Service) PublishEvent(ctx context.Context, ev model.ActivityEvent) {
	s.throttle.EnqueueEvent(ctx, ev)

	payload, err := json.Marshal(liveUpdate{
		Action:    ev.Action,
		SubjectID: ev.SubjectID,
		ActorID:   ev.ActorID,
	})
	if err != nil {
		zlog.Logger.Error().Err(err).Str("subject", ev.SubjectID).Msg("failed to marshal live update")
		return
	}

	tenantID := ev.TenantID
	if !s.multiTenant {
		tenantID = ""
	}

	if err := s.broker.Publish(ctx, s.liveChannel, payload, tenantID); err != nil {
		zlog.Logger.Error().Err(err).
			Str("subject", ev.SubjectID).
			Str("tenant", tenantID).
			Msg("failed to publish live update")
	}
}

// GetEntryStatus returns the status of a queue entry, consulting the cache
// first and falling back to the store on a miss.
func (s *Service) GetEntryStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (string, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get entry status from cache")
	}

	if err != nil {
		status, err = s.repo.GetStatusByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get entry status: %w", err)
		}

		if err := s.cache.SetWithRetry(ctx, strategy, id.String(), status); err != nil {
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache entry status")
		}
	}

	return status, nil
}

// ListEntries returns entries in the given status for operational
// inspection.
func (s *Service) ListEntries(ctx context.Context, status string) ([]model.QueueEntry, error) {
	entries, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return entries, nil
}
