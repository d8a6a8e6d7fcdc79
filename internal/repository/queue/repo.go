package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

var (
	ErrEntryNotFound  = errors.New("queue entry not found")
	ErrNoEntriesFound = errors.New("no queue entries found")
)

const uniqueViolation = "23505"

// Repository provides access to the notification_queue table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new delivery queue repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// UpsertPending inserts a pending entry for (recipient, subject) or, if one
// already exists, coalesces into it: the snapshot and category are
// overwritten, the change count grows, and the deadline moves to now+delay.
// The partial unique index on pending keys makes this atomic under
// concurrent enqueues for the same key. scheduled_at never moves backwards.
func (r *Repository) UpsertPending(
	ctx context.Context,
	recipientID, subjectID, category string,
	snap model.Snapshot,
	now time.Time,
	delay time.Duration,
) (uuid.UUID, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO notification_queue (
		    recipient_id, subject_id, category, snapshot, status,
		    scheduled_at, first_seen_at, last_seen_at, change_count
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $6, 1)
		ON CONFLICT (recipient_id, subject_id) WHERE status = 'pending'
		DO UPDATE SET
		    snapshot = EXCLUDED.snapshot,
		    category = EXCLUDED.category,
		    change_count = notification_queue.change_count + 1,
		    last_seen_at = EXCLUDED.last_seen_at,
		    scheduled_at = GREATEST(notification_queue.scheduled_at, EXCLUDED.scheduled_at),
		    updated_at = EXCLUDED.last_seen_at
		RETURNING id;
    `

	var id uuid.UUID
	err = r.db.Master.QueryRowContext(ctx, query, recipientID, subjectID, category, raw, now.Add(delay), now).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert queue entry: %w", err)
	}

	return id, nil
}

// ClaimDue atomically claims up to limit due pending entries, oldest deadline
// first, by flipping them to processing. Only one processor wins each row,
// so running several processes against the same store cannot double-send.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing', updated_at = $1
		WHERE id IN (
		    SELECT id FROM notification_queue
		    WHERE status = 'pending' AND scheduled_at <= $1
		    ORDER BY scheduled_at ASC
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient_id, subject_id, category, snapshot,
		    scheduled_at, first_seen_at, last_seen_at, change_count,
		    retry_count, COALESCE(last_error, '');
    `

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due entries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var raw []byte
		if err := rows.Scan(
			&e.ID, &e.RecipientID, &e.SubjectID, &e.Category, &raw,
			&e.ScheduledAt, &e.FirstSeenAt, &e.LastSeenAt, &e.ChangeCount,
			&e.RetryCount, &e.LastError,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(raw, &e.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", e.ID, err)
		}

		e.Status = model.StatusProcessing
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkSent transitions a claimed entry to its terminal sent state.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent', sent_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'processing';
    `

	res, err := r.db.ExecContext(ctx, query, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry sent: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEntryNotFound
	}

	return nil
}

// MarkFailed transitions a claimed entry to its terminal failed state after
// retries are exhausted.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastErr string, now time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'failed', retry_count = $1, last_error = $2, updated_at = $3
		WHERE id = $4 AND status = 'processing';
    `

	res, err := r.db.ExecContext(ctx, query, retryCount, lastErr, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry failed: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEntryNotFound
	}

	return nil
}

// Reschedule returns a claimed entry to pending with a new deadline after a
// transient delivery failure. If a fresh pending entry for the same key was
// created while this one was in flight, the pending slot is taken; the
// claimed row is then folded into the newer entry instead, so the latest
// snapshot wins and the change count survives.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, lastErr string, at time.Time) error {
	query := `
		UPDATE notification_queue
		SET status = 'pending', retry_count = $1, last_error = $2, scheduled_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'processing';
    `

	res, err := r.db.ExecContext(ctx, query, retryCount, lastErr, at, at, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return r.foldIntoPending(ctx, id, at)
		}

		return fmt.Errorf("failed to reschedule entry: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEntryNotFound
	}

	return nil
}

// foldIntoPending merges a superseded claimed row into the newer pending row
// for the same key, then deletes it.
func (r *Repository) foldIntoPending(ctx context.Context, id uuid.UUID, now time.Time) error {
	fold := `
		UPDATE notification_queue p
		SET change_count = p.change_count + o.change_count,
		    first_seen_at = LEAST(p.first_seen_at, o.first_seen_at),
		    updated_at = $2
		FROM notification_queue o
		WHERE o.id = $1
		  AND p.status = 'pending'
		  AND p.recipient_id = o.recipient_id
		  AND p.subject_id = o.subject_id;
    `

	if _, err := r.db.ExecContext(ctx, fold, id, now); err != nil {
		return fmt.Errorf("failed to fold entry into pending: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM notification_queue WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("failed to delete folded entry: %w", err)
	}

	return nil
}

// ReleaseStaleClaims recovers processing rows abandoned by a crashed
// processor. Rows whose key has no newer pending entry go back to pending;
// the rest are superseded by that newer entry and dropped.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	release := `
		UPDATE notification_queue o
		SET status = 'pending', updated_at = now()
		WHERE o.status = 'processing' AND o.updated_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM notification_queue p
		      WHERE p.recipient_id = o.recipient_id
		        AND p.subject_id = o.subject_id
		        AND p.status = 'pending'
		  );
    `

	res, err := r.db.ExecContext(ctx, release, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	released, _ := res.RowsAffected()

	drop := `
		DELETE FROM notification_queue
		WHERE status = 'processing' AND updated_at < $1;
    `

	if _, err := r.db.ExecContext(ctx, drop, olderThan); err != nil {
		return released, fmt.Errorf("failed to drop superseded claims: %w", err)
	}

	return released, nil
}

// DeleteTerminalBefore removes sent and failed rows untouched since cutoff.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notification_queue
		WHERE status IN ('sent', 'failed') AND updated_at < $1;
    `

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal entries: %w", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// GetStatusByID retrieves the status of a queue entry by its ID.
func (r *Repository) GetStatusByID(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		SELECT status
		FROM notification_queue
		WHERE id = $1;
    `

	var status string
	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEntryNotFound
		}

		return "", fmt.Errorf("failed to get entry status: %w", err)
	}

	return status, nil
}

// ListByStatus retrieves entries in the given status, most recently updated
// first. Used for operational inspection of failed rows.
func (r *Repository) ListByStatus(ctx context.Context, status string) ([]model.QueueEntry, error) {
	query := `
		SELECT id, recipient_id, subject_id, category, snapshot, status,
		    scheduled_at, first_seen_at, last_seen_at, change_count,
		    retry_count, COALESCE(last_error, ''), sent_at, created_at, updated_at
		FROM notification_queue
		WHERE status = $1
		ORDER BY updated_at DESC;
    `

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var raw []byte
		if err := rows.Scan(
			&e.ID, &e.RecipientID, &e.SubjectID, &e.Category, &raw, &e.Status,
			&e.ScheduledAt, &e.FirstSeenAt, &e.LastSeenAt, &e.ChangeCount,
			&e.RetryCount, &e.LastError, &e.SentAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(raw, &e.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", e.ID, err)
		}

		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return nil, ErrNoEntriesFound
	}

	return entries, rows.Err()
}
