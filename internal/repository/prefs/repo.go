// Package prefs resolves per-recipient notification preferences.
//
// Absence of a row means the category is enabled; recipients only store
// explicit opt-outs.
package prefs

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
)

// Repository provides access to the notification_prefs table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new preference repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// IsEnabled reports whether the recipient wants notifications of the given
// category. Lookup failures default to enabled: losing a preference check
// must not suppress delivery.
func (r *Repository) IsEnabled(ctx context.Context, recipientID, category string) bool {
	query := `
		SELECT enabled
		FROM notification_prefs
		WHERE recipient_id = $1 AND category = $2;
    `

	var enabled bool
	err := r.db.Master.QueryRowContext(ctx, query, recipientID, category).Scan(&enabled)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			zlog.Logger.Error().Err(err).
				Str("recipient", recipientID).
				Str("category", category).
				Msg("preference lookup failed, assuming enabled")
		}

		return true
	}

	return enabled
}
