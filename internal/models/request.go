package models

import (
	"time"
)

// Request status enumerates the analysis lifecycle persisted in Postgres.
const (
	StatusQueued      = "queued"
	StatusQueuedMusic = "queued_music"
	StatusRunning     = "running"
	StatusDone        = "done"
	StatusFailed      = "failed"
)

// Analysis modes. Motion runs full-body motion estimation; Object runs
// object-event detection and produces an overlay video as well.
const (
	ModeMotion = "motion"
	ModeObject = "object"
)

// Media kinds.
const (
	MediaVideo = "video"
	MediaAudio = "audio"
)

// IsTerminal reports whether a status admits no further worker transitions.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// Params are the per-request flags. The struct is treated as immutable:
// state-changing operations build a new value and replace the stored one
// wholesale rather than toggling fields in place.
type Params struct {
	MusicOnly    bool `json:"music_only,omitempty"`
	SkipMusic    bool `json:"skip_music,omitempty"`
	ExtractAudio bool `json:"extract_audio,omitempty"`
}

// MediaFile is an uploaded object registered in the media library.
type MediaFile struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Kind        string    `json:"kind"`
	StorageKey  string    `json:"storage_key"`
	ContentType *string   `json:"content_type,omitempty"`
	DurationSec *float64  `json:"duration_sec,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Request is one analysis request. At least one of VideoID/AudioID is set.
type Request struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	VideoID      *string    `json:"video_id,omitempty"`
	AudioID      *string    `json:"audio_id,omitempty"`
	Mode         string     `json:"mode"`
	Params       Params     `json:"params"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Title        *string    `json:"title,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	Deleted      bool       `json:"deleted"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LiveStatus is the fine-grained 1:1 progress record for a request. It is
// written far more often than Request.Status and is the merge-priority source
// for readers.
type LiveStatus struct {
	RequestID    string    `json:"request_id"`
	Status       string    `json:"status"`
	Message      *string   `json:"message,omitempty"`
	Progress     float64   `json:"progress"`
	Log          *string   `json:"log,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Result holds references to produced artifacts plus the match score.
// Created lazily on first artifact write; partial fields are normal.
type Result struct {
	RequestID       string          `json:"request_id"`
	MotionEventsKey *string         `json:"motion_events_key,omitempty"`
	ObjectEventsKey *string         `json:"object_events_key,omitempty"`
	MusicEventsKey  *string         `json:"music_events_key,omitempty"`
	OverlayVideoKey *string         `json:"overlay_video_key,omitempty"`
	StemDrumsKey    *string         `json:"stem_drums_key,omitempty"`
	StemBassKey     *string         `json:"stem_bass_key,omitempty"`
	StemVocalsKey   *string         `json:"stem_vocals_key,omitempty"`
	StemOtherKey    *string         `json:"stem_other_key,omitempty"`
	StemDrumLowKey  *string         `json:"stem_drum_low_key,omitempty"`
	StemDrumMidKey  *string         `json:"stem_drum_mid_key,omitempty"`
	StemDrumHighKey *string         `json:"stem_drum_high_key,omitempty"`
	MatchScore      *int            `json:"match_score,omitempty"`
	MatchDetails    map[string]any  `json:"match_details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PrimaryTimelineKey returns the motion-or-object event timeline key,
// whichever the request's mode produced.
func (r Result) PrimaryTimelineKey() *string {
	if r.MotionEventsKey != nil {
		return r.MotionEventsKey
	}
	return r.ObjectEventsKey
}

// ArtifactKeys lists every stored object key on the result, for cleanup.
func (r Result) ArtifactKeys() []string {
	ptrs := []*string{
		r.MotionEventsKey, r.ObjectEventsKey, r.MusicEventsKey, r.OverlayVideoKey,
		r.StemDrumsKey, r.StemBassKey, r.StemVocalsKey, r.StemOtherKey,
		r.StemDrumLowKey, r.StemDrumMidKey, r.StemDrumHighKey,
	}
	keys := make([]string, 0, len(ptrs))
	for _, p := range ptrs {
		if p != nil && *p != "" {
			keys = append(keys, *p)
		}
	}
	return keys
}
