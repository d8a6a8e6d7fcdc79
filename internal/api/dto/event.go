package dto

import "time"

// EventRequest is one committed board mutation reported by the CRUD layer.
type EventRequest struct {
	ActorID      string            `json:"actor_id" validate:"required"`
	ActorName    string            `json:"actor_name"`
	Action       string            `json:"action" validate:"required"`
	SubjectID    string            `json:"subject_id" validate:"required"`
	SubjectTitle string            `json:"subject_title" validate:"required"`
	Recipients   []string          `json:"recipients" validate:"required,min=1"`
	Fields       map[string]string `json:"fields"`
	TenantID     string            `json:"tenant_id"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
