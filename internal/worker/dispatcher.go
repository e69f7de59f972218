package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"beatsync/internal/config"
	"beatsync/internal/engine"
	"beatsync/internal/models"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
)

// Store is the slice of the job store the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	TryClaimNext(ctx context.Context, f store.ClaimFilter) (*models.Request, error)
	GetMedia(ctx context.Context, id string) (models.MediaFile, error)
	IsDeleted(ctx context.Context, id string) (bool, error)
	UpsertResult(ctx context.Context, requestID string, p store.ResultPatch) error
	GetResult(ctx context.Context, requestID string) (models.Result, bool, error)
	SetMatchScore(ctx context.Context, requestID string, score int, details map[string]any) (bool, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	RequeueMusic(ctx context.Context, id string) error
}

// Blobs is the object-storage surface sub-tasks use. *media.Store satisfies it.
type Blobs interface {
	UploadFile(ctx context.Context, key, path, contentType string) error
	DownloadTo(ctx context.Context, key, path string) error
	DownloadBytes(ctx context.Context, key string) ([]byte, error)
}

// Publisher records live-status updates. *status.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, requestID string, u store.StatusUpdate) error
}

// EngineFunc invokes one external analysis engine.
type EngineFunc func(ctx context.Context, in engine.Inputs) error

// Engines binds the three engine kinds.
type Engines struct {
	Motion EngineFunc
	Object EngineFunc
	Music  EngineFunc
}

// errMusicDeferred signals that the primary finished and the music sub-task
// was handed to the music worker class instead of joined inline.
var errMusicDeferred = errors.New("music deferred to music worker class")

// Dispatcher is one worker's poll loop: claim, route, execute, finalize.
type Dispatcher struct {
	cfg      config.Config
	store    Store
	blobs    Blobs
	pub      Publisher
	engines  Engines
	workerID string
	log      *slog.Logger
}

func NewDispatcher(cfg config.Config, st Store, blobs Blobs, pub Publisher, engines Engines, workerID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		blobs:    blobs,
		pub:      pub,
		engines:  engines,
		workerID: workerID,
		log:      logger,
	}
}

// claimFilter maps the worker class onto claim eligibility.
func (d *Dispatcher) claimFilter() store.ClaimFilter {
	if d.cfg.WorkerClass == config.ClassMusic {
		return store.ClaimFilter{Statuses: []string{models.StatusQueuedMusic}}
	}
	return store.ClaimFilter{
		Statuses: []string{models.StatusQueued},
		Modes:    d.cfg.WorkerModes,
	}
}

// Run drives the poll loop until context cancellation. The row-level
// skip-locked claim in the store is the sole mutual exclusion between
// workers; nothing here holds an in-process lock across ticks.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("worker started",
		slog.String("worker_id", d.workerID),
		slog.String("class", d.cfg.WorkerClass),
		slog.Duration("poll_interval", d.cfg.WorkerPollInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := d.store.TryClaimNext(ctx, d.claimFilter())
		if err != nil {
			d.log.Warn("claim failed", slog.Any("error", err))
			sleepCtx(ctx, d.cfg.WorkerPollInterval)
			continue
		}
		if req == nil {
			sleepCtx(ctx, d.cfg.WorkerPollInterval)
			continue
		}

		telemetry.ClaimCounter.Inc()
		telemetry.RunningGauge.Inc()
		d.handleClaim(ctx, *req)
		telemetry.RunningGauge.Dec()
	}
}

// handleClaim drives one claimed request to a terminal outcome. Any sub-task
// error is absorbed here; one job's failure never terminates the worker loop.
func (d *Dispatcher) handleClaim(ctx context.Context, req models.Request) {
	d.log.Info("claimed request",
		slog.String("request_id", req.ID),
		slog.String("mode", req.Mode),
		slog.String("worker_id", d.workerID))

	progress := 0.03
	msg := "starting"
	_ = d.pub.Publish(ctx, req.ID, store.StatusUpdate{Status: models.StatusRunning, Message: &msg, Progress: &progress})

	err := d.execute(ctx, req)
	switch {
	case err == nil:
		if mkErr := d.store.MarkDone(ctx, req.ID); mkErr != nil {
			d.log.Error("mark done", slog.String("request_id", req.ID), slog.Any("error", mkErr))
			return
		}
		doneMsg := "completed"
		one := 1.0
		_ = d.pub.Publish(ctx, req.ID, store.StatusUpdate{Status: models.StatusDone, Message: &doneMsg, Progress: &one})
		telemetry.CompletedCounter.Inc()
		d.tryMatchScore(ctx, req.ID)
		d.log.Info("request done", slog.String("request_id", req.ID))

	case errors.Is(err, errMusicDeferred):
		if rqErr := d.store.RequeueMusic(ctx, req.ID); rqErr != nil {
			d.log.Error("requeue music", slog.String("request_id", req.ID), slog.Any("error", rqErr))
			return
		}
		qMsg := "music analysis queued"
		_ = d.pub.Publish(ctx, req.ID, store.StatusUpdate{Status: models.StatusQueuedMusic, Message: &qMsg})
		d.log.Info("music deferred", slog.String("request_id", req.ID))

	case errors.Is(err, models.ErrDeleted):
		// Cooperative cancellation: the request was deleted mid-run. Silent
		// no-op, not a user-visible failure.
		d.log.Info("request deleted mid-run", slog.String("request_id", req.ID))

	default:
		d.failRequest(ctx, req.ID, err)
	}
}

// failRequest records the terminal failure on both the request and the live
// status, with a bounded diagnostic excerpt.
func (d *Dispatcher) failRequest(ctx context.Context, requestID string, err error) {
	errMsg := engine.Truncate(err.Error(), engine.MaxLogBytes)
	if mkErr := d.store.MarkFailed(ctx, requestID, errMsg); mkErr != nil {
		d.log.Error("mark failed", slog.String("request_id", requestID), slog.Any("error", mkErr))
	}

	update := store.StatusUpdate{Status: models.StatusFailed, Error: &errMsg}
	failMsg := "failed"
	one := 1.0
	update.Message = &failMsg
	update.Progress = &one
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		update.Log = &engErr.Log
	}
	_ = d.pub.Publish(ctx, requestID, update)
	telemetry.FailedCounter.Inc()
	d.log.Warn("request failed", slog.String("request_id", requestID), slog.Any("error", err))
}

// execute routes the claimed request through its sub-task plan. When both
// sub-tasks are required they run as two independently forked units joined
// before finalization; the errgroup guarantees the join on every path. Each
// unit talks to the store through the shared pool, so each statement runs on
// its own session with no cross-unit transactional coupling.
func (d *Dispatcher) execute(ctx context.Context, req models.Request) error {
	plan := PlanFor(req)

	workdir, err := os.MkdirTemp("", "beatsync-*")
	if err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	// A music-class claim means the request reached queued_music: only the
	// music sub-task remains regardless of what the flags would plan. A
	// deferred continuation reports on the compressed scale so progress
	// carries on from where the primary left off.
	if d.cfg.WorkerClass == config.ClassMusic {
		cp := musicForkedCheckpoints
		if req.Params.MusicOnly {
			cp = musicOnlyCheckpoints
		}
		return d.runMusic(ctx, req, Plan{Music: true, MusicFromVideo: req.AudioID == nil}, workdir, cp)
	}

	if !plan.Primary {
		return d.runMusic(ctx, req, plan, workdir, musicOnlyCheckpoints)
	}

	if plan.Music && !d.cfg.MusicDefer {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.runPrimary(gctx, req, workdir)
		})
		g.Go(func() error {
			return d.runMusic(gctx, req, plan, workdir, musicForkedCheckpoints)
		})
		return g.Wait()
	}

	if err := d.runPrimary(ctx, req, workdir); err != nil {
		return err
	}
	if plan.Music {
		return errMusicDeferred
	}
	return nil
}

// checkDeleted is the cooperative-cancellation checkpoint.
func (d *Dispatcher) checkDeleted(ctx context.Context, requestID string) error {
	deleted, err := d.store.IsDeleted(ctx, requestID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if deleted {
		return models.ErrDeleted
	}
	return nil
}

func (d *Dispatcher) publishProgress(ctx context.Context, requestID, message string, progress float64) {
	_ = d.pub.Publish(ctx, requestID, store.StatusUpdate{
		Status:   models.StatusRunning,
		Message:  &message,
		Progress: &progress,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
