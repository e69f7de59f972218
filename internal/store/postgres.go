package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"beatsync/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the only authoritative
// shared state; workers coordinate exclusively through it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const requestColumns = `id, owner_id, video_id, audio_id, mode, params, status, error_message, title, notes, deleted, created_at, started_at, finished_at`

// CreateRequestParams collects inputs required to insert an analysis request.
type CreateRequestParams struct {
	OwnerID string
	VideoID *string
	AudioID *string
	Mode    string
	Params  models.Params
	Title   *string
	Notes   *string
	Status  string
}

// CreateRequest inserts a request row in its initial queued state.
func (s *Store) CreateRequest(ctx context.Context, p CreateRequestParams) (models.Request, error) {
	if p.Status == "" {
		p.Status = models.StatusQueued
	}
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.Request{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_requests (id, owner_id, video_id, audio_id, mode, params, status, title, notes, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
	`, id, p.OwnerID, p.VideoID, p.AudioID, p.Mode, paramsJSON, p.Status, p.Title, p.Notes, now)
	if err != nil {
		return models.Request{}, fmt.Errorf("insert request: %w", err)
	}

	return models.Request{
		ID:        id,
		OwnerID:   p.OwnerID,
		VideoID:   p.VideoID,
		AudioID:   p.AudioID,
		Mode:      p.Mode,
		Params:    p.Params,
		Status:    p.Status,
		Title:     p.Title,
		Notes:     p.Notes,
		CreatedAt: now,
	}, nil
}

// GetRequest fetches a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (models.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM analysis_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Request{}, models.ErrNotFound
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("scan request: %w", err)
	}
	return req, nil
}

// GetOwnedRequest fetches a request and enforces ownership and liveness.
// Foreign or deleted rows read as not found.
func (s *Store) GetOwnedRequest(ctx context.Context, ownerID, id string) (models.Request, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if req.OwnerID != ownerID || req.Deleted {
		return models.Request{}, models.ErrNotFound
	}
	return req, nil
}

// ListRequestsByOwner returns the owner's non-deleted requests, newest first.
func (s *Store) ListRequestsByOwner(ctx context.Context, ownerID string) ([]models.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM analysis_requests
		WHERE owner_id = $1 AND NOT deleted
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListRequestsByStatus returns non-deleted requests in a status, oldest first.
func (s *Store) ListRequestsByStatus(ctx context.Context, status string, limit int) ([]models.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM analysis_requests
		WHERE status = $1 AND NOT deleted
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests by status: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// CountByStatus returns the number of non-deleted requests in a status,
// optionally bounded to rows finished within the window (0 means all).
func (s *Store) CountByStatus(ctx context.Context, status string, window time.Duration) (int64, error) {
	var n int64
	var err error
	if window > 0 {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM analysis_requests
			WHERE status = $1 AND NOT deleted AND finished_at >= $2
		`, status, time.Now().UTC().Add(-window)).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM analysis_requests WHERE status = $1 AND NOT deleted
		`, status).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

// CountStaleRunning counts running requests whose last sign of life is older
// than the threshold. A request with no live-status row yet falls back to
// its start time.
func (s *Store) CountStaleRunning(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if staleAfter <= 0 {
		return 0, nil
	}
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM analysis_requests r
		LEFT JOIN live_status ls ON ls.request_id = r.id
		WHERE r.status = 'running' AND NOT r.deleted
		  AND COALESCE(ls.updated_at, r.started_at, r.created_at) < $1
	`, time.Now().UTC().Add(-staleAfter)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale running: %w", err)
	}
	return n, nil
}

// ClaimFilter selects which rows a worker class is eligible to claim.
type ClaimFilter struct {
	Statuses []string
	Modes    []string // empty means any mode
}

// TryClaimNext atomically claims the oldest eligible request for this worker:
// a short transaction takes a row lock with SKIP LOCKED (never waits on a
// peer's lock) and flips the row to running before committing. Exactly one
// worker can win a given row; a locked row is simply invisible this tick.
// Returns (nil, nil) when nothing is eligible.
func (s *Store) TryClaimNext(ctx context.Context, f ClaimFilter) (*models.Request, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var modes []string
	if len(f.Modes) > 0 {
		modes = f.Modes
	}
	row := tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM analysis_requests
		WHERE status = ANY($1) AND NOT deleted
		  AND ($2::text[] IS NULL OR mode = ANY($2))
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, f.Statuses, modes)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan claimed request: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1
	`, req.ID, models.StatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	req.Status = models.StatusRunning
	if req.StartedAt == nil {
		req.StartedAt = &now
	}
	return &req, nil
}

// MarkDone transitions running -> done.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2, error_message = NULL, finished_at = NOW()
		WHERE id = $1 AND NOT deleted
	`, id, models.StatusDone)
	return err
}

// MarkFailed transitions a request to failed with an error message. Also used
// by the stale monitor, so it is not guarded on the current status.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2, error_message = $3, finished_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, errMsg)
	return err
}

// RequeueMusic transitions running -> queued_music, deferring the music
// sub-task to a music-class worker instead of running it inline.
func (s *Store) RequeueMusic(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2
		WHERE id = $1 AND status = $3 AND NOT deleted
	`, id, models.StatusQueuedMusic, models.StatusRunning)
	return err
}

// Requeue is the explicit rerun operation: back to queued/queued_music with a
// replacement params value and a cleared error.
func (s *Store) Requeue(ctx context.Context, id, status string, params models.Params) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2, params = $3, error_message = NULL,
			started_at = NULL, finished_at = NULL
		WHERE id = $1 AND NOT deleted
	`, id, status, paramsJSON)
	return err
}

// SetRequestAudio swaps the audio ref and replaces params wholesale.
func (s *Store) SetRequestAudio(ctx context.Context, id string, audioID *string, params models.Params) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analysis_requests SET audio_id = $2, params = $3 WHERE id = $1
	`, id, audioID, paramsJSON)
	return err
}

// SoftDelete flags the request deleted so active sub-tasks stop at their next
// checkpoint. Live status and result rows are removed by the caller.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET deleted = TRUE, status = $2, error_message = 'deleted', finished_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed)
	return err
}

// IsDeleted re-reads the deleted flag; sub-tasks call this at checkpoints.
// A vanished row counts as deleted.
func (s *Store) IsDeleted(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.pool.QueryRow(ctx, `SELECT deleted FROM analysis_requests WHERE id = $1`, id).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read deleted flag: %w", err)
	}
	return deleted, nil
}

func scanRequest(row pgx.Row) (models.Request, error) {
	var req models.Request
	var paramsJSON []byte
	var videoID, audioID, errMsg, title, notes pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	err := row.Scan(&req.ID, &req.OwnerID, &videoID, &audioID, &req.Mode, &paramsJSON,
		&req.Status, &errMsg, &title, &notes, &req.Deleted, &req.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return models.Request{}, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &req.Params); err != nil {
			return models.Request{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	req.VideoID = textPtr(videoID)
	req.AudioID = textPtr(audioID)
	req.ErrorMessage = textPtr(errMsg)
	req.Title = textPtr(title)
	req.Notes = textPtr(notes)
	req.StartedAt = tsPtr(startedAt)
	req.FinishedAt = tsPtr(finishedAt)
	return req, nil
}

func collectRequests(rows pgx.Rows) ([]models.Request, error) {
	var out []models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
