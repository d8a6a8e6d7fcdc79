package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

// sweepEvery bounds how often the retention sweep runs inside the tick loop.
const sweepEvery = time.Hour

type processorStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error)
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type deliverer interface {
	Deliver(ctx context.Context, group []model.QueueEntry)
}

// ProcessorConfig holds the periodic processor's scheduling knobs.
type ProcessorConfig struct {
	Interval     time.Duration // tick interval
	BatchSize    int           // max rows claimed per tick
	ClaimTimeout time.Duration // age past which a processing claim is abandoned
	Retention    time.Duration // age past which terminal rows are deleted
}

// Processor owns the tick loop that moves due entries from the queue store
// to the delivery executor. It is explicitly non-reentrant: a tick that
// fires while the previous one is still running is skipped, never
// overlapped.
type Processor struct {
	store     processorStore
	deliverer deliverer
	cfg       ProcessorConfig
	now       func() time.Time

	tickMu    sync.Mutex
	nextSweep time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProcessor creates a processor with its own start/stop lifecycle.
func NewProcessor(store processorStore, d deliverer, cfg ProcessorConfig) *Processor {
	return &Processor{
		store:     store,
		deliverer: d,
		cfg:       cfg,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithClock overrides the processor's time source for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Start runs the tick loop until ctx is cancelled or Stop is called, then
// performs one final flush tick so due work queued during shutdown is not
// stranded until the next process start.
func (p *Processor) Start(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	zlog.Logger.Info().Dur("interval", p.cfg.Interval).Msg("notification processor started")

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.stop:
			p.flush()
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Stop terminates the tick loop and waits for the final flush to complete.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Processor) flush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.Tick(flushCtx)
	zlog.Logger.Info().Msg("notification processor stopped")
}

// Tick performs one processing pass: recover abandoned claims, claim due
// entries, group them by coalescing key and hand each group to delivery,
// then occasionally sweep old terminal rows. Concurrent calls are rejected.
func (p *Processor) Tick(ctx context.Context) {
	if !p.tickMu.TryLock() {
		zlog.Logger.Warn().Msg("previous tick still running, skipping")
		return
	}
	defer p.tickMu.Unlock()

	now := p.now()

	if p.cfg.ClaimTimeout > 0 {
		if released, err := p.store.ReleaseStaleClaims(ctx, now.Add(-p.cfg.ClaimTimeout)); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to release stale claims")
		} else if released > 0 {
			zlog.Logger.Warn().Int64("count", released).Msg("released stale delivery claims")
		}
	}

	entries, err := p.store.ClaimDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to claim due entries")
		return
	}

	for _, group := range groupByKey(entries) {
		p.deliverer.Deliver(ctx, group)
	}

	p.maybeSweep(ctx, now)
}

// maybeSweep deletes terminal rows past retention, at most once per
// sweepEvery.
func (p *Processor) maybeSweep(ctx context.Context, now time.Time) {
	if p.cfg.Retention <= 0 || now.Before(p.nextSweep) {
		return
	}
	p.nextSweep = now.Add(sweepEvery)

	deleted, err := p.store.DeleteTerminalBefore(ctx, now.Add(-p.cfg.Retention))
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("retention sweep failed")
		return
	}

	if deleted > 0 {
		zlog.Logger.Info().Int64("count", deleted).Msg("retention sweep deleted old entries")
	}
}

// groupByKey splits a claimed batch by coalescing key. Steady state gives
// one entry per key, but a batch boundary can leave several rows for a key
// across ticks; each group is sorted by last_seen_at descending so the most
// recent state wins, and groups come back in oldest-deadline order.
func groupByKey(entries []model.QueueEntry) [][]model.QueueEntry {
	type key struct{ recipient, subject string }

	byKey := make(map[key][]model.QueueEntry)
	order := make([]key, 0, len(entries))

	for _, e := range entries {
		k := key{e.RecipientID, e.SubjectID}
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], e)
	}

	groups := make([][]model.QueueEntry, 0, len(order))
	for _, k := range order {
		group := byKey[k]
		sort.Slice(group, func(i, j int) bool {
			return group[i].LastSeenAt.After(group[j].LastSeenAt)
		})
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		return earliestDeadline(groups[i]).Before(earliestDeadline(groups[j]))
	})

	return groups
}

func earliestDeadline(group []model.QueueEntry) time.Time {
	earliest := group[0].ScheduledAt
	for _, e := range group[1:] {
		if e.ScheduledAt.Before(earliest) {
			earliest = e.ScheduledAt
		}
	}
	return earliest
}
