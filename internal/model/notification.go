package model

import (
	"time"

	"github.com/google/uuid"
)

// Queue entry statuses. A row is created pending, briefly claimed as
// processing while a delivery attempt is in flight, and ends up sent or
// failed. Terminal rows are never mutated again; a retention sweep deletes
// them eventually.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Snapshot is the latest-known state needed to render a notification.
// It is overwritten on every coalesce; only the most recent state survives.
type Snapshot struct {
	SubjectTitle string            `json:"subject_title"`
	ActorName    string            `json:"actor_name"`
	Action       string            `json:"action"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// QueueEntry is one row of the delivery queue: the pending notification slot
// for a (recipient, subject) pair.
type QueueEntry struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID string     `json:"recipient_id"`
	SubjectID   string     `json:"subject_id"`
	Category    string     `json:"category"`
	Snapshot    Snapshot   `json:"snapshot"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"` // earliest delivery eligibility, only ever moves forward
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ChangeCount int        `json:"change_count"` // events folded into this entry
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ActivityEvent is the inbound record from the board CRUD layer: who did
// what to which task, and who might care.
type ActivityEvent struct {
	ActorID      string            `json:"actor_id"`
	ActorName    string            `json:"actor_name"`
	Action       string            `json:"action"` // notification category, e.g. "task_updated"
	SubjectID    string            `json:"subject_id"`
	SubjectTitle string            `json:"subject_title"`
	Recipients   []string          `json:"recipients"`
	Fields       map[string]string `json:"fields,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// SnapshotOf builds the rendering snapshot carried by a queue entry.
func (e ActivityEvent) SnapshotOf() Snapshot {
	return Snapshot{
		SubjectTitle: e.SubjectTitle,
		ActorName:    e.ActorName,
		Action:       e.Action,
		Fields:       e.Fields,
	}
}
