package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"beatsync/internal/auth"
	"beatsync/internal/models"
	"beatsync/internal/status"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.ListRequestsByOwner(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": requests})
}

type detailResponse struct {
	Request      models.Request    `json:"request"`
	Status       status.Merged     `json:"status"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	MatchScore   *int              `json:"match_score,omitempty"`
	MatchDetails map[string]any    `json:"match_details,omitempty"`
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetOwnedRequest(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	merged, err := s.pub.Read(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := detailResponse{Request: req, Status: merged}
	res, found, err := s.store.GetResult(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found {
		resp.Artifacts = s.artifactLinks(r.Context(), res)
		resp.MatchScore = res.MatchScore
		resp.MatchDetails = res.MatchDetails
	}
	writeJSON(w, http.StatusOK, resp)
}

// artifactLinks presigns download URLs for every stored artifact. A presign
// failure drops that one link, not the whole response.
func (s *Server) artifactLinks(ctx context.Context, res models.Result) map[string]string {
	entries := []struct {
		name string
		key  *string
	}{
		{"motion_events", res.MotionEventsKey},
		{"object_events", res.ObjectEventsKey},
		{"music_events", res.MusicEventsKey},
		{"overlay_video", res.OverlayVideoKey},
		{"stem_drums", res.StemDrumsKey},
		{"stem_bass", res.StemBassKey},
		{"stem_vocals", res.StemVocalsKey},
		{"stem_other", res.StemOtherKey},
		{"stem_drum_low", res.StemDrumLowKey},
		{"stem_drum_mid", res.StemDrumMidKey},
		{"stem_drum_high", res.StemDrumHighKey},
	}
	links := make(map[string]string)
	for _, e := range entries {
		if e.key == nil || *e.key == "" {
			continue
		}
		url, err := s.blobs.PresignGet(ctx, *e.key)
		if err != nil {
			s.log.Warn("presign artifact", slog.String("key", *e.key), slog.Any("error", err))
			continue
		}
		links[e.name] = url
	}
	return links
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetOwnedRequest(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	merged, err := s.pub.Read(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// handleStatusStream serves the merged status as server-sent events, emitting
// only on change and closing once the request reaches a terminal status.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetOwnedRequest(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		merged, err := s.pub.Read(r.Context(), req.ID)
		if err != nil {
			// Deleted mid-stream or store trouble with an empty cache.
			return
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return
		}
		if !bytes.Equal(data, last) {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			last = data
		}
		if models.IsTerminal(merged.Status) {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleRerun resets a finished request for a full rerun: primary artifacts
// and score are cleared and the request goes back to queued.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetOwnedRequest(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !models.IsTerminal(req.Status) {
		s.writeError(w, models.ValidationError{Msg: "analysis is still in progress"})
		return
	}
	if req.VideoID == nil {
		s.writeError(w, models.ValidationError{Msg: "audio-only analyses rerun via the music endpoint"})
		return
	}

	if err := s.store.ClearPrimaryArtifacts(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Requeue(r.Context(), req.ID, models.StatusQueued, rerunParams(req)); err != nil {
		s.writeError(w, err)
		return
	}
	s.pub.Forget(req.ID)
	if err := s.store.ResetLiveStatus(r.Context(), req.ID, models.StatusQueued, "queued"); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.StatusQueued})
}

type musicRerunRequest struct {
	AudioID *string `json:"audio_id"`
}

// handleMusicRerun queues a music-only (re)run, optionally swapping in a new
// audio ref first.
func (s *Server) handleMusicRerun(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerID(r.Context())
	req, err := s.store.GetOwnedRequest(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !models.IsTerminal(req.Status) {
		s.writeError(w, models.ValidationError{Msg: "analysis is still in progress"})
		return
	}

	var body musicRerunRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if body.AudioID != nil {
		m, err := s.store.GetOwnedMedia(r.Context(), owner, *body.AudioID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if m.Kind != models.MediaAudio {
			s.writeError(w, models.ValidationError{Msg: "audio_id does not reference audio media"})
			return
		}
		if err := s.store.SetRequestAudio(r.Context(), req.ID, body.AudioID, req.Params); err != nil {
			s.writeError(w, err)
			return
		}
		req.AudioID = body.AudioID
	}
	if req.AudioID == nil && req.VideoID == nil {
		s.writeError(w, models.ValidationError{Msg: "no media to analyze"})
		return
	}

	if err := s.store.ClearMusicArtifacts(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Requeue(r.Context(), req.ID, models.StatusQueuedMusic, req.Params); err != nil {
		s.writeError(w, err)
		return
	}
	s.pub.Forget(req.ID)
	if err := s.store.ResetLiveStatus(r.Context(), req.ID, models.StatusQueuedMusic, "music analysis queued"); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.StatusQueuedMusic})
}

// handleDelete removes stored artifacts (best effort), clears the result and
// live-status rows, and soft-deletes the request. In-flight workers observe
// the flag at their next checkpoint and stop quietly.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetOwnedRequest(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, found, err := s.store.GetResult(r.Context(), req.ID)
	if err == nil && found {
		if delErr := s.blobs.DeleteKeys(r.Context(), res.ArtifactKeys()); delErr != nil {
			s.log.Warn("delete artifacts", slog.String("request_id", req.ID), slog.Any("error", delErr))
		}
	}
	if err := s.store.DeleteResult(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteLiveStatus(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SoftDelete(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.pub.Forget(req.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type monitoringEntry struct {
	models.Request
	Live *models.LiveStatus `json:"live,omitempty"`
}

// handleMonitoring returns a queue overview plus health counters.
func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buckets := make(map[string][]monitoringEntry)
	for _, st := range []string{models.StatusQueued, models.StatusQueuedMusic, models.StatusRunning, models.StatusFailed} {
		requests, err := s.store.ListRequestsByStatus(ctx, st, 50)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entries := make([]monitoringEntry, 0, len(requests))
		for _, req := range requests {
			entry := monitoringEntry{Request: req}
			if ls, found, lsErr := s.store.GetLiveStatus(ctx, req.ID); lsErr == nil && found {
				entry.Live = &ls
			}
			entries = append(entries, entry)
		}
		buckets[st] = entries
	}

	health := make(map[string]int64)
	for _, st := range []string{models.StatusQueued, models.StatusQueuedMusic, models.StatusRunning} {
		n, err := s.store.CountByStatus(ctx, st, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		health[st] = n
	}
	for _, st := range []string{models.StatusDone, models.StatusFailed} {
		n, err := s.store.CountByStatus(ctx, st, s.cfg.MonitoringWindow)
		if err != nil {
			s.writeError(w, err)
			return
		}
		health[st+"_recent"] = n
	}
	stale, err := s.store.CountStaleRunning(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	health["stale_running"] = stale

	writeJSON(w, http.StatusOK, map[string]any{
		"buckets": buckets,
		"health":  health,
	})
}
