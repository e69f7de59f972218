package api

import (
	"fmt"
	"net/http"

	"beatsync/internal/auth"
	"beatsync/internal/models"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
)

type submitRequest struct {
	VideoID *string       `json:"video_id"`
	AudioID *string       `json:"audio_id"`
	Mode    string        `json:"mode"`
	Params  models.Params `json:"params"`
	Title   *string       `json:"title"`
	Notes   *string       `json:"notes"`
}

// normalizeSubmission derives the effective flags and initial status from the
// attached refs. Without a video only the music sub-task can run; a video
// with no audio ref and no extraction request has no music input, so music
// is skipped outright.
func normalizeSubmission(p models.Params, hasVideo, hasAudio bool) (models.Params, string, error) {
	if p.MusicOnly && p.SkipMusic {
		return p, "", models.ValidationError{Msg: "music_only and skip_music are mutually exclusive"}
	}
	if !hasVideo {
		p.MusicOnly = true
	}
	if p.MusicOnly {
		return p, models.StatusQueuedMusic, nil
	}
	if !hasAudio && !p.ExtractAudio {
		p.SkipMusic = true
	}
	return p, models.StatusQueued, nil
}

// rerunParams rebuilds the flags for a full rerun from the refs as they
// stand now. music_only never carries over: a request that previously ran
// music-only reruns its primary analysis too. skip_music is rederived the
// same way submission normalization does.
func rerunParams(req models.Request) models.Params {
	p := models.Params{ExtractAudio: req.Params.ExtractAudio}
	if req.AudioID == nil && !p.ExtractAudio {
		p.SkipMusic = true
	}
	return p
}

// handleSubmit validates refs, normalizes flags, and enqueues the request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	owner := auth.OwnerID(r.Context())
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowSubmission(r.Context(), owner)
		if err != nil {
			s.writeError(w, fmt.Errorf("rate limit: %w", err))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if req.VideoID == nil && req.AudioID == nil {
		s.writeError(w, models.ValidationError{Msg: "at least one of video_id or audio_id is required"})
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeMotion
	}
	if mode != models.ModeMotion && mode != models.ModeObject {
		s.writeError(w, models.ValidationError{Msg: "mode must be motion or object"})
		return
	}

	// Ownership and kind checks. A foreign ref reads as not found rather
	// than revealing that the media exists.
	if req.VideoID != nil {
		m, err := s.store.GetOwnedMedia(r.Context(), owner, *req.VideoID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if m.Kind != models.MediaVideo {
			s.writeError(w, models.ValidationError{Msg: "video_id does not reference video media"})
			return
		}
	}
	if req.AudioID != nil {
		m, err := s.store.GetOwnedMedia(r.Context(), owner, *req.AudioID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if m.Kind != models.MediaAudio {
			s.writeError(w, models.ValidationError{Msg: "audio_id does not reference audio media"})
			return
		}
	}

	params, initial, err := normalizeSubmission(req.Params, req.VideoID != nil, req.AudioID != nil)
	if err != nil {
		s.writeError(w, err)
		return
	}

	created, err := s.store.CreateRequest(r.Context(), store.CreateRequestParams{
		OwnerID: owner,
		VideoID: req.VideoID,
		AudioID: req.AudioID,
		Mode:    mode,
		Params:  params,
		Title:   req.Title,
		Notes:   req.Notes,
		Status:  initial,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := "queued"
	zero := 0.0
	_ = s.pub.Publish(r.Context(), created.ID, store.StatusUpdate{Status: initial, Message: &msg, Progress: &zero})
	telemetry.SubmissionCounter.Inc()

	writeJSON(w, http.StatusAccepted, created)
}
