package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"beatsync/internal/models"
)

// StatusUpdate is a partial live-status write; nil fields keep the stored
// value. Progress only ever moves forward: the upsert takes the greater of
// the stored and submitted values so the externally observed stream is
// monotonically non-decreasing even with two sub-tasks reporting at once.
type StatusUpdate struct {
	Status   string
	Message  *string
	Progress *float64
	Log      *string
	Error    *string
}

// UpsertLiveStatus creates or updates the 1:1 live-status record.
func (s *Store) UpsertLiveStatus(ctx context.Context, requestID string, u StatusUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_status (request_id, status, message, progress, log, error_message, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, 0), $5, $6, NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = COALESCE($3, live_status.message),
			progress = GREATEST(live_status.progress, COALESCE($4, live_status.progress)),
			log = COALESCE($5, live_status.log),
			error_message = COALESCE($6, live_status.error_message),
			updated_at = NOW()
	`, requestID, u.Status, u.Message, u.Progress, u.Log, u.Error)
	if err != nil {
		return fmt.Errorf("upsert live status: %w", err)
	}
	return nil
}

// ResetLiveStatus overwrites the record for a fresh run: progress goes back
// to zero and the previous run's log and error are dropped. The monotonic
// progress clamp in UpsertLiveStatus holds within a run only; a rerun starts
// a new one.
func (s *Store) ResetLiveStatus(ctx context.Context, requestID, status, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_status (request_id, status, message, progress, log, error_message, updated_at)
		VALUES ($1, $2, $3, 0, NULL, NULL, NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			progress = 0,
			log = NULL,
			error_message = NULL,
			updated_at = NOW()
	`, requestID, status, message)
	if err != nil {
		return fmt.Errorf("reset live status: %w", err)
	}
	return nil
}

// GetLiveStatus fetches the live-status record if one has been written yet.
func (s *Store) GetLiveStatus(ctx context.Context, requestID string) (models.LiveStatus, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, status, message, progress, log, error_message, updated_at
		FROM live_status WHERE request_id = $1
	`, requestID)

	var ls models.LiveStatus
	var message, log, errMsg pgtype.Text
	err := row.Scan(&ls.RequestID, &ls.Status, &message, &ls.Progress, &log, &errMsg, &ls.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiveStatus{}, false, nil
	}
	if err != nil {
		return models.LiveStatus{}, false, fmt.Errorf("scan live status: %w", err)
	}
	ls.Message = textPtr(message)
	ls.Log = textPtr(log)
	ls.ErrorMessage = textPtr(errMsg)
	return ls, true, nil
}

// DeleteLiveStatus removes the record, part of the external hard-delete op.
func (s *Store) DeleteLiveStatus(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM live_status WHERE request_id = $1`, requestID)
	return err
}
