package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"beatsync/internal/models"
	"beatsync/internal/store"
)

type fakeBackend struct {
	requests map[string]models.Request
	live     map[string]models.LiveStatus
	readErr  error
	failedAs map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		requests: make(map[string]models.Request),
		live:     make(map[string]models.LiveStatus),
		failedAs: make(map[string]string),
	}
}

func (f *fakeBackend) GetRequest(_ context.Context, id string) (models.Request, error) {
	if f.readErr != nil {
		return models.Request{}, f.readErr
	}
	req, ok := f.requests[id]
	if !ok {
		return models.Request{}, models.ErrNotFound
	}
	return req, nil
}

func (f *fakeBackend) GetLiveStatus(_ context.Context, id string) (models.LiveStatus, bool, error) {
	ls, ok := f.live[id]
	return ls, ok, nil
}

func (f *fakeBackend) UpsertLiveStatus(_ context.Context, id string, u store.StatusUpdate) error {
	ls := f.live[id]
	ls.RequestID = id
	ls.Status = u.Status
	if u.Message != nil {
		ls.Message = u.Message
	}
	if u.Progress != nil && *u.Progress > ls.Progress {
		ls.Progress = *u.Progress
	}
	if u.Log != nil {
		ls.Log = u.Log
	}
	if u.Error != nil {
		ls.ErrorMessage = u.Error
	}
	ls.UpdatedAt = time.Now()
	f.live[id] = ls
	return nil
}

func (f *fakeBackend) resetLiveStatus(id, status, message string) {
	f.live[id] = models.LiveStatus{
		RequestID: id,
		Status:    status,
		Message:   &message,
		Progress:  0,
		UpdatedAt: time.Now(),
	}
}

func (f *fakeBackend) MarkFailed(_ context.Context, id, errMsg string) error {
	req := f.requests[id]
	req.Status = models.StatusFailed
	req.ErrorMessage = &errMsg
	f.requests[id] = req
	f.failedAs[id] = errMsg
	return nil
}

func TestReadMergesLiveOverRequest(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning}
	msg := "downloading video"
	b.live["r1"] = models.LiveStatus{RequestID: "r1", Status: models.StatusRunning, Message: &msg, Progress: 0.15, UpdatedAt: time.Now()}

	p := New(b, 0, nil)
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusRunning || m.Message == nil || *m.Message != msg {
		t.Fatalf("merged = %+v", m)
	}
	if m.Progress == nil || *m.Progress != 0.15 {
		t.Fatalf("progress = %v", m.Progress)
	}
}

func TestReadFallsBackToRequestFields(t *testing.T) {
	b := newFakeBackend()
	errMsg := "engine exploded"
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusFailed, ErrorMessage: &errMsg}

	p := New(b, 0, nil)
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusFailed || m.ErrorMessage == nil || *m.ErrorMessage != errMsg {
		t.Fatalf("merged = %+v", m)
	}
}

func TestStaleRunningFailsOnRead(t *testing.T) {
	b := newFakeBackend()
	started := time.Now().Add(-time.Hour)
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning, StartedAt: &started}
	b.live["r1"] = models.LiveStatus{RequestID: "r1", Status: models.StatusRunning, Progress: 0.5, UpdatedAt: time.Now().Add(-30 * time.Minute)}

	p := New(b, 10*time.Minute, nil)
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", m.Status)
	}
	if m.ErrorMessage == nil || *m.ErrorMessage != StaleErrorMessage {
		t.Fatalf("error = %v, want %q", m.ErrorMessage, StaleErrorMessage)
	}
	if b.failedAs["r1"] != StaleErrorMessage {
		t.Fatalf("request not failed in store: %v", b.failedAs)
	}
}

func TestStaleMonitorDisabledByZeroThreshold(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning}
	b.live["r1"] = models.LiveStatus{RequestID: "r1", Status: models.StatusRunning, UpdatedAt: time.Now().Add(-24 * time.Hour)}

	p := New(b, 0, nil)
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusRunning {
		t.Fatalf("status = %q, want running with monitor disabled", m.Status)
	}
}

func TestFreshRunningNotFailed(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning}
	b.live["r1"] = models.LiveStatus{RequestID: "r1", Status: models.StatusRunning, UpdatedAt: time.Now()}

	p := New(b, 10*time.Minute, nil)
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusRunning {
		t.Fatalf("status = %q, want running", m.Status)
	}
}

func TestReadUsesCacheWhenStoreUnavailable(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning}
	p := New(b, 0, nil)

	progress := 0.5
	msg := "running engine"
	_ = p.Publish(context.Background(), "r1", store.StatusUpdate{Status: models.StatusRunning, Message: &msg, Progress: &progress})

	b.readErr = errors.New("connection refused")
	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("expected cached read, got %v", err)
	}
	if m.Status != models.StatusRunning || m.Progress == nil || *m.Progress != 0.5 {
		t.Fatalf("cached merged = %+v", m)
	}
}

func TestDeletedReadsAsNotFound(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusFailed, Deleted: true}
	p := New(b, 0, nil)
	if _, err := p.Read(context.Background(), "r1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCacheProgressNeverRegresses(t *testing.T) {
	b := newFakeBackend()
	p := New(b, 0, nil)
	hi, lo := 0.8, 0.3
	_ = p.Publish(context.Background(), "r1", store.StatusUpdate{Status: models.StatusRunning, Progress: &hi})
	_ = p.Publish(context.Background(), "r1", store.StatusUpdate{Status: models.StatusRunning, Progress: &lo})

	m, ok := p.cached("r1")
	if !ok || m.Progress == nil || *m.Progress != 0.8 {
		t.Fatalf("cached progress = %+v, want 0.8", m.Progress)
	}
}

func TestRerunResetClearsPriorRunState(t *testing.T) {
	b := newFakeBackend()
	b.requests["r1"] = models.Request{ID: "r1", Status: models.StatusRunning}
	p := New(b, 0, nil)

	one := 1.0
	failMsg := "failed"
	engineErr := "engine exited 1"
	_ = p.Publish(context.Background(), "r1", store.StatusUpdate{
		Status: models.StatusFailed, Message: &failMsg, Progress: &one, Error: &engineErr,
	})

	// Rerun: the request row goes back to queued and the live-status row is
	// overwritten rather than upserted, then the cache entry is dropped.
	req := b.requests["r1"]
	req.Status = models.StatusQueued
	req.ErrorMessage = nil
	b.requests["r1"] = req
	b.resetLiveStatus("r1", models.StatusQueued, "queued")
	p.Forget("r1")

	m, err := p.Read(context.Background(), "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Status != models.StatusQueued {
		t.Fatalf("status = %q, want queued", m.Status)
	}
	if m.Progress == nil || *m.Progress != 0 {
		t.Fatalf("progress = %v, want 0 after rerun", m.Progress)
	}
	if m.ErrorMessage != nil {
		t.Fatalf("error message %q survived the rerun", *m.ErrorMessage)
	}
	if m.Log != nil {
		t.Fatalf("log %q survived the rerun", *m.Log)
	}
}
