// Package delivery renders and transmits consolidated notifications and
// records their outcomes in the queue store.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

// Notifier is the outbound transmission capability. Any error is treated as
// a delivery failure.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Renderer turns a consolidated change-set into subject and body text.
type Renderer interface {
	Render(category string, snap model.Snapshot, changeCount int, span time.Duration) (subject, body string, err error)
}

// PreferenceResolver reports whether a recipient wants a category at all.
type PreferenceResolver interface {
	IsEnabled(ctx context.Context, recipientID, category string) bool
}

type entryStore interface {
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastErr string, now time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, retryCount int, lastErr string, at time.Time) error
}

type statusCache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
}

// Config holds the executor's delivery policy.
type Config struct {
	MaxRetries  int           // attempts before an entry goes terminal failed
	Backoff     time.Duration // fixed interval between retries
	SendTimeout time.Duration // deadline for one Notifier call
	Strategy    retry.Strategy
}

// Executor delivers groups of claimed queue entries. It is the only
// component that transitions entries to their terminal states.
type Executor struct {
	store    entryStore
	notifier Notifier
	renderer Renderer
	prefs    PreferenceResolver
	cache    statusCache // optional
	cfg      Config
	now      func() time.Time
}

// NewExecutor creates a delivery executor. cache may be nil.
func NewExecutor(
	store entryStore,
	notifier Notifier,
	renderer Renderer,
	prefs PreferenceResolver,
	cache statusCache,
	cfg Config,
) *Executor {
	return &Executor{
		store:    store,
		notifier: notifier,
		renderer: renderer,
		prefs:    prefs,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the executor's time source for tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Deliver renders and sends one consolidated notification for a group of
// claimed entries sharing a coalescing key, sorted most-recent first. It
// never returns an error: every outcome is recorded as row state or a log
// line.
func (e *Executor) Deliver(ctx context.Context, group []model.QueueEntry) {
	if len(group) == 0 {
		return
	}

	latest := group[0]

	if !e.prefs.IsEnabled(ctx, latest.RecipientID, latest.Category) {
		zlog.Logger.Info().
			Str("recipient", latest.RecipientID).
			Str("category", latest.Category).
			Msg("notification suppressed by preference")

		for _, entry := range group {
			e.markSent(ctx, entry.ID)
		}
		return
	}

	changeCount := 0
	firstSeen := latest.FirstSeenAt
	for _, entry := range group {
		changeCount += entry.ChangeCount
		if entry.FirstSeenAt.Before(firstSeen) {
			firstSeen = entry.FirstSeenAt
		}
	}
	span := latest.LastSeenAt.Sub(firstSeen)

	subject, body, err := e.renderer.Render(latest.Category, latest.Snapshot, changeCount, span)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", latest.ID.String()).Msg("failed to render notification")
		for _, entry := range group {
			e.recordFailure(ctx, entry, err)
		}
		return
	}

	if err := e.send(ctx, latest.RecipientID, subject, body); err != nil {
		zlog.Logger.Warn().Err(err).
			Str("recipient", latest.RecipientID).
			Str("subject_id", latest.SubjectID).
			Msg("delivery attempt failed")

		for _, entry := range group {
			e.recordFailure(ctx, entry, err)
		}
		return
	}

	for _, entry := range group {
		e.markSent(ctx, entry.ID)
	}
}

// SendImmediate is the delay-zero bypass: identical rendering and transmit
// logic, but nothing is persisted and a failure is logged and dropped.
func (e *Executor) SendImmediate(ctx context.Context, recipientID, category string, snap model.Snapshot) {
	if !e.prefs.IsEnabled(ctx, recipientID, category) {
		return
	}

	subject, body, err := e.renderer.Render(category, snap, 1, 0)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("recipient", recipientID).Msg("failed to render immediate notification")
		return
	}

	if err := e.send(ctx, recipientID, subject, body); err != nil {
		zlog.Logger.Error().Err(err).
			Str("recipient", recipientID).
			Msg("immediate notification dropped")
	}
}

// send runs one Notifier call under the per-delivery deadline. A hung
// transport counts as a transient failure instead of stalling the batch.
func (e *Executor) send(ctx context.Context, to, subject, body string) error {
	if e.cfg.SendTimeout <= 0 {
		return e.notifier.Send(ctx, to, subject, body)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.notifier.Send(sendCtx, to, subject, body)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("send timed out after %s", e.cfg.SendTimeout)
	}
}

func (e *Executor) markSent(ctx context.Context, id uuid.UUID) {
	if err := e.store.MarkSent(ctx, id, e.now()); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to mark entry sent")
		return
	}

	e.cacheStatus(ctx, id, model.StatusSent)
}

// recordFailure bumps the retry count and either reschedules the entry with
// the fixed backoff or, once attempts are exhausted, marks it failed for
// good.
func (e *Executor) recordFailure(ctx context.Context, entry model.QueueEntry, sendErr error) {
	attempts := entry.RetryCount + 1

	if attempts >= e.cfg.MaxRetries {
		if err := e.store.MarkFailed(ctx, entry.ID, attempts, sendErr.Error(), e.now()); err != nil {
			zlog.Logger.Error().Err(err).Str("id", entry.ID.String()).Msg("failed to mark entry failed")
			return
		}

		zlog.Logger.Error().
			Str("id", entry.ID.String()).
			Int("attempts", attempts).
			Msg("notification permanently failed")

		e.cacheStatus(ctx, entry.ID, model.StatusFailed)
		return
	}

	if err := e.store.Reschedule(ctx, entry.ID, attempts, sendErr.Error(), e.now().Add(e.cfg.Backoff)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", entry.ID.String()).Msg("failed to reschedule entry")
	}
}

func (e *Executor) cacheStatus(ctx context.Context, id uuid.UUID, status string) {
	if e.cache == nil {
		return
	}

	if err := e.cache.SetWithRetry(ctx, e.cfg.Strategy, id.String(), status); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache entry status")
	}
}
