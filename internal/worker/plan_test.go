package worker

import (
	"testing"

	"beatsync/internal/models"
)

func TestPlanFor(t *testing.T) {
	video := "vid-1"
	audio := "aud-1"

	tests := []struct {
		name string
		req  models.Request
		want Plan
	}{
		{
			name: "video with audio",
			req:  models.Request{VideoID: &video, AudioID: &audio},
			want: Plan{Primary: true, Music: true},
		},
		{
			name: "video only",
			req:  models.Request{VideoID: &video},
			want: Plan{Primary: true},
		},
		{
			name: "video only with extract audio",
			req:  models.Request{VideoID: &video, Params: models.Params{ExtractAudio: true}},
			want: Plan{Primary: true, Music: true, MusicFromVideo: true},
		},
		{
			name: "skip music overrides audio",
			req:  models.Request{VideoID: &video, AudioID: &audio, Params: models.Params{SkipMusic: true}},
			want: Plan{Primary: true},
		},
		{
			name: "music only with audio",
			req:  models.Request{AudioID: &audio, Params: models.Params{MusicOnly: true}},
			want: Plan{Music: true},
		},
		{
			name: "music only from video",
			req:  models.Request{VideoID: &video, Params: models.Params{MusicOnly: true}},
			want: Plan{Music: true, MusicFromVideo: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := PlanFor(tc.req)
			if got != tc.want {
				t.Fatalf("PlanFor(%+v) = %+v, want %+v", tc.req, got, tc.want)
			}
		})
	}
}
