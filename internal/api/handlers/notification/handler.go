package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/api/dto"
	"github.com/drenlia/easy-kanban-sub008/internal/api/respond"
	"github.com/drenlia/easy-kanban-sub008/internal/config"
	"github.com/drenlia/easy-kanban-sub008/internal/model"
	"github.com/drenlia/easy-kanban-sub008/internal/repository/queue"
)

type notifService interface {
	PublishEvent(ctx context.Context, ev model.ActivityEvent)
	GetEntryStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (string, error)
	ListEntries(ctx context.Context, status string) ([]model.QueueEntry, error)
}

// Handler exposes the ingest and ops surface of the notification pipeline.
type Handler struct {
	service   notifService
	validator *validator.Validate
	cfg       *config.Config
}

func NewHandler(s notifService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// Ingest accepts one committed board mutation and feeds the pipeline. It
// always answers 202 on a valid event: delivery is fire-and-forget and no
// downstream fault may surface here.
func (h *Handler) Ingest(c *ginext.Context) {
	var req dto.EventRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	h.service.PublishEvent(c.Request.Context(), model.ActivityEvent{
		ActorID:      req.ActorID,
		ActorName:    req.ActorName,
		Action:       req.Action,
		SubjectID:    req.SubjectID,
		SubjectTitle: req.SubjectTitle,
		Recipients:   req.Recipients,
		Fields:       req.Fields,
		TenantID:     req.TenantID,
		OccurredAt:   occurredAt,
	})

	respond.Accepted(c.Writer, "event accepted")
}

// GetStatus returns the current status of one queue entry.
func (h *Handler) GetStatus(c *ginext.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	status, err := h.service.GetEntryStatus(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("entry not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get entry status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, status)
}

// List returns entries by status, defaulting to failed ones: the only
// operational surface for permanently undelivered notifications.
func (h *Handler) List(c *ginext.Context) {
	status := c.Query("status")
	if status == "" {
		status = model.StatusFailed
	}

	entries, err := h.service.ListEntries(c.Request.Context(), status)
	if err != nil {
		if errors.Is(err, queue.ErrNoEntriesFound) {
			respond.OK(c.Writer, []model.QueueEntry{})
			return
		}

		zlog.Logger.Error().Err(err).Str("status", status).Msg("failed to list entries")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, entries)
}
