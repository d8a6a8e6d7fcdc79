// Package throttle implements the coalescing and scheduling engine of the
// notification pipeline: rapid changes to the same subject for the same
// recipient collapse into a single pending queue entry that a periodic
// processor later hands to delivery.
package throttle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

type enqueueStore interface {
	UpsertPending(ctx context.Context, recipientID, subjectID, category string, snap model.Snapshot, now time.Time, delay time.Duration) (uuid.UUID, error)
}

type immediateSender interface {
	SendImmediate(ctx context.Context, recipientID, category string, snap model.Snapshot)
}

// Throttler accepts activity events and either coalesces them into the
// delivery queue or, with a zero delay, bypasses the queue entirely.
type Throttler struct {
	store     enqueueStore
	immediate immediateSender
	delay     func() time.Duration // read per call so the setting can change at runtime
	now       func() time.Time
}

// NewThrottler creates a throttler. delay is consulted on every enqueue.
func NewThrottler(store enqueueStore, immediate immediateSender, delay func() time.Duration) *Throttler {
	return &Throttler{
		store:     store,
		immediate: immediate,
		delay:     delay,
		now:       time.Now,
	}
}

// WithClock overrides the throttler's time source for tests.
func (t *Throttler) WithClock(now func() time.Time) *Throttler {
	t.now = now
	return t
}

// Enqueue records one event for one recipient. It never blocks on the
// Notifier and never propagates an error: a write failure costs at most a
// notification, never the business operation that produced the event.
func (t *Throttler) Enqueue(ctx context.Context, recipientID, subjectID, category string, snap model.Snapshot) {
	delay := t.delay()
	if delay <= 0 {
		t.immediate.SendImmediate(ctx, recipientID, category, snap)
		return
	}

	if _, err := t.store.UpsertPending(ctx, recipientID, subjectID, category, snap, t.now(), delay); err != nil {
		zlog.Logger.Error().Err(err).
			Str("recipient", recipientID).
			Str("subject", subjectID).
			Msg("enqueue failed, notification dropped")
	}
}

// EnqueueEvent fans one activity event out to its recipient candidates.
// The actor never gets notified about their own change.
func (t *Throttler) EnqueueEvent(ctx context.Context, ev model.ActivityEvent) {
	snap := ev.SnapshotOf()
	for _, recipient := range ev.Recipients {
		if recipient == "" || recipient == ev.ActorID {
			continue
		}

		t.Enqueue(ctx, recipient, ev.SubjectID, ev.Action, snap)
	}
}
