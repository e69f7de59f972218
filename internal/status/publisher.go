// Package status merges the fine-grained live-status record with the coarse
// request status for readers, and opportunistically fails stale running jobs.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"beatsync/internal/models"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
)

// StaleErrorMessage is recorded when the stale monitor fails an abandoned job.
const StaleErrorMessage = "analysis stalled; please retry"

// Backend is the slice of the job store the publisher needs. *store.Store
// satisfies it.
type Backend interface {
	GetRequest(ctx context.Context, id string) (models.Request, error)
	GetLiveStatus(ctx context.Context, id string) (models.LiveStatus, bool, error)
	UpsertLiveStatus(ctx context.Context, id string, u store.StatusUpdate) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// Merged is the reader-facing status: live-status fields with request fields
// as fallback.
type Merged struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	Message      *string  `json:"message,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	Log          *string  `json:"log,omitempty"`
}

// Publisher writes live-status updates and serves merged reads. The local
// cache is a non-authoritative fallback consulted only when the store is
// momentarily unavailable for a read.
type Publisher struct {
	store      Backend
	staleAfter time.Duration // 0 disables the stale monitor
	log        *slog.Logger

	mu    sync.Mutex
	cache map[string]Merged
}

func New(b Backend, staleAfter time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:      b,
		staleAfter: staleAfter,
		log:        logger,
		cache:      make(map[string]Merged),
	}
}

// Publish records a live-status update. The cache is refreshed even when the
// store write fails so a subsequent degraded read still sees the latest view.
func (p *Publisher) Publish(ctx context.Context, requestID string, u store.StatusUpdate) error {
	p.cacheUpdate(requestID, u)
	if err := p.store.UpsertLiveStatus(ctx, requestID, u); err != nil {
		p.log.Warn("live status write failed", slog.String("request_id", requestID), slog.Any("error", err))
		return err
	}
	return nil
}

// Read returns the merged status, running the stale monitor on the way.
// Deleted requests read as not found.
func (p *Publisher) Read(ctx context.Context, requestID string) (Merged, error) {
	req, err := p.store.GetRequest(ctx, requestID)
	if errors.Is(err, models.ErrNotFound) {
		return Merged{}, models.ErrNotFound
	}
	if err != nil {
		// Store momentarily unavailable: fall back to the local cache.
		if cached, ok := p.cached(requestID); ok {
			return cached, nil
		}
		return Merged{}, err
	}
	if req.Deleted {
		return Merged{}, models.ErrNotFound
	}

	ls, found, lsErr := p.store.GetLiveStatus(ctx, requestID)
	if lsErr != nil {
		p.log.Warn("live status read failed", slog.String("request_id", requestID), slog.Any("error", lsErr))
		found = false
	}

	merged := merge(req, ls, found)
	merged = p.failIfStale(ctx, req, ls, found, merged)

	p.mu.Lock()
	p.cache[requestID] = merged
	p.mu.Unlock()
	return merged, nil
}

// failIfStale is the stale monitor: it runs only at read time, so a job
// nobody ever queries again can stay running indefinitely. When the last
// live-status update is older than the threshold it unilaterally fails the
// request without waiting for the (presumed crashed) worker.
func (p *Publisher) failIfStale(ctx context.Context, req models.Request, ls models.LiveStatus, found bool, merged Merged) Merged {
	if p.staleAfter <= 0 || merged.Status != models.StatusRunning {
		return merged
	}
	lastUpdate := req.StartedAt
	if found {
		lastUpdate = &ls.UpdatedAt
	}
	if lastUpdate == nil || time.Since(*lastUpdate) <= p.staleAfter {
		return merged
	}

	if err := p.store.MarkFailed(ctx, req.ID, StaleErrorMessage); err != nil {
		p.log.Warn("stale request fail write", slog.String("request_id", req.ID), slog.Any("error", err))
		return merged
	}
	errMsg := StaleErrorMessage
	msg := "stalled"
	progress := 1.0
	_ = p.Publish(ctx, req.ID, store.StatusUpdate{
		Status:   models.StatusFailed,
		Message:  &msg,
		Progress: &progress,
		Error:    &errMsg,
	})
	telemetry.StaleFailures.Inc()
	p.log.Info("stale running request failed",
		slog.String("request_id", req.ID),
		slog.Time("last_update", *lastUpdate))

	merged.Status = models.StatusFailed
	merged.ErrorMessage = &errMsg
	merged.Message = &msg
	merged.Progress = &progress
	return merged
}

func merge(req models.Request, ls models.LiveStatus, found bool) Merged {
	merged := Merged{
		ID:           req.ID,
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
	}
	if !found {
		return merged
	}
	merged.Status = ls.Status
	merged.Message = ls.Message
	progress := ls.Progress
	merged.Progress = &progress
	merged.Log = ls.Log
	if ls.ErrorMessage != nil {
		merged.ErrorMessage = ls.ErrorMessage
	}
	return merged
}

func (p *Publisher) cached(requestID string) (Merged, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.cache[requestID]
	return m, ok
}

// cacheUpdate folds a partial update into the cached view, keeping the
// progress maximum so the fallback never moves backwards.
func (p *Publisher) cacheUpdate(requestID string, u store.StatusUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.cache[requestID]
	m.ID = requestID
	m.Status = u.Status
	if u.Message != nil {
		m.Message = u.Message
	}
	if u.Progress != nil && (m.Progress == nil || *u.Progress > *m.Progress) {
		m.Progress = u.Progress
	}
	if u.Log != nil {
		m.Log = u.Log
	}
	if u.Error != nil {
		m.ErrorMessage = u.Error
	}
	p.cache[requestID] = m
}

// Forget drops a request from the fallback cache after hard delete.
func (p *Publisher) Forget(requestID string) {
	p.mu.Lock()
	delete(p.cache, requestID)
	p.mu.Unlock()
}
