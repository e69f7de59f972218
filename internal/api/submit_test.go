package api

import (
	"testing"

	"beatsync/internal/models"
)

func TestNormalizeSubmission(t *testing.T) {
	tests := []struct {
		name       string
		in         models.Params
		hasVideo   bool
		hasAudio   bool
		wantParams models.Params
		wantStatus string
		wantErr    bool
	}{
		{
			name:       "video and audio",
			hasVideo:   true,
			hasAudio:   true,
			wantParams: models.Params{},
			wantStatus: models.StatusQueued,
		},
		{
			name:       "video without audio skips music",
			hasVideo:   true,
			wantParams: models.Params{SkipMusic: true},
			wantStatus: models.StatusQueued,
		},
		{
			name:       "video without audio but extract requested",
			in:         models.Params{ExtractAudio: true},
			hasVideo:   true,
			wantParams: models.Params{ExtractAudio: true},
			wantStatus: models.StatusQueued,
		},
		{
			name:       "audio only forces music only",
			hasAudio:   true,
			wantParams: models.Params{MusicOnly: true},
			wantStatus: models.StatusQueuedMusic,
		},
		{
			name:       "explicit music only with video",
			in:         models.Params{MusicOnly: true},
			hasVideo:   true,
			wantParams: models.Params{MusicOnly: true},
			wantStatus: models.StatusQueuedMusic,
		},
		{
			name:     "conflicting flags rejected",
			in:       models.Params{MusicOnly: true, SkipMusic: true},
			hasVideo: true,
			hasAudio: true,
			wantErr:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params, initial, err := normalizeSubmission(tc.in, tc.hasVideo, tc.hasAudio)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected a validation error")
				}
				if !models.IsValidation(err) {
					t.Fatalf("error %v is not a validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if params != tc.wantParams {
				t.Fatalf("params = %+v, want %+v", params, tc.wantParams)
			}
			if initial != tc.wantStatus {
				t.Fatalf("status = %q, want %q", initial, tc.wantStatus)
			}
		})
	}
}

func TestRerunParams(t *testing.T) {
	video := "vid-1"
	audio := "aud-1"

	tests := []struct {
		name string
		req  models.Request
		want models.Params
	}{
		{
			name: "music only never carries over",
			req:  models.Request{VideoID: &video, AudioID: &audio, Params: models.Params{MusicOnly: true}},
			want: models.Params{},
		},
		{
			name: "no audio rederives skip music",
			req:  models.Request{VideoID: &video, Params: models.Params{MusicOnly: true}},
			want: models.Params{SkipMusic: true},
		},
		{
			name: "extract audio survives",
			req:  models.Request{VideoID: &video, Params: models.Params{ExtractAudio: true, SkipMusic: true}},
			want: models.Params{ExtractAudio: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := rerunParams(tc.req); got != tc.want {
				t.Fatalf("rerunParams = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestStorageKeyKeepsExtension(t *testing.T) {
	key := storageKey(models.MediaVideo, "clip.MP4")
	if len(key) == 0 || key[len(key)-4:] != ".mp4" {
		t.Fatalf("key = %q, want .mp4 suffix", key)
	}
	other := storageKey(models.MediaVideo, "clip.MP4")
	if key == other {
		t.Fatal("storage keys must be unique per call")
	}
}

func TestKindFromContentType(t *testing.T) {
	if got := kindFromContentType("video/mp4"); got != models.MediaVideo {
		t.Fatalf("video/mp4 -> %q", got)
	}
	if got := kindFromContentType("audio/wav"); got != models.MediaAudio {
		t.Fatalf("audio/wav -> %q", got)
	}
	if got := kindFromContentType("text/plain"); got != "" {
		t.Fatalf("text/plain -> %q, want empty", got)
	}
}
