package match

import (
	"math"
	"testing"
)

func TestComputeNearHit(t *testing.T) {
	// One hit at t=1.0 against a low-band keypoint at t=1.05:
	// coverage = (1 - 0.05/0.3) * 1.0 / 1.0 = 0.8333,
	// sigmoid(0.8333; k=12, x0=0.55) ~= 0.9674 -> score 97.
	music := []Event{{T: 1.05, Weight: 0.7}}
	motion := []Event{{T: 1.0, Weight: 1.0}}

	s := Compute(music, motion, Options{})
	if got, want := s.MotionToMusic, 1-0.05/0.3; math.Abs(got-want) > 1e-9 {
		t.Fatalf("coverage = %v, want %v", got, want)
	}
	if s.Score != 97 {
		t.Fatalf("score = %d, want 97", s.Score)
	}
}

func TestComputeNoMotionEvents(t *testing.T) {
	// Coverage is defined as 0 with no motion events; the score is still the
	// sigmoid floor, not a division-by-zero panic.
	music := []Event{{T: 0.5, Weight: 1.0}}
	s := Compute(music, nil, Options{})
	if s.MotionToMusic != 0 {
		t.Fatalf("coverage = %v, want 0", s.MotionToMusic)
	}
	want := int(math.Round(sigmoid(0, DefaultSigmoidK, DefaultSigmoidX0) * 100))
	if s.Score != want {
		t.Fatalf("score = %d, want %d", s.Score, want)
	}
}

func TestComputeOutsideTolerance(t *testing.T) {
	music := []Event{{T: 5.0, Weight: 1.0}}
	motion := []Event{{T: 1.0, Weight: 1.0}}
	s := Compute(music, motion, Options{})
	if s.MotionToMusic != 0 {
		t.Fatalf("coverage = %v, want 0 for delta > tau", s.MotionToMusic)
	}
}

func TestParseMusicTimelineByBand(t *testing.T) {
	raw := []byte(`{"keypoints_by_band":{"low":[{"t":1.0}],"mid":[{"t":2.0}],"high":[{"time":3.0}]}}`)
	events, err := ParseMusicTimeline(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Weight != 0.7 || events[1].Weight != 0.9 || events[2].Weight != 1.0 {
		t.Fatalf("band weights wrong: %+v", events)
	}
	if events[2].T != 3.0 {
		t.Fatalf("time alias not honored: %+v", events[2])
	}
}

func TestParseMusicTimelineFlatFallback(t *testing.T) {
	raw := []byte(`{"keypoints":[{"t":1.0,"band":"low"},{"t":2.0,"frequency":"high"},{"t":3.0}]}`)
	events, err := ParseMusicTimeline(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Weight != 0.7 || events[1].Weight != 1.0 {
		t.Fatalf("per-item band weights wrong: %+v", events)
	}
	// Unknown band defaults to mid.
	if events[2].Weight != 0.9 {
		t.Fatalf("default band weight = %v, want 0.9", events[2].Weight)
	}
}

func TestParseMotionTimelineHoldAtStart(t *testing.T) {
	raw := []byte(`{"events":[{"t":1.0,"type":"hit"},{"t_start":2.0,"type":"hold"},{"start":4.0,"kind":"hold"}]}`)
	events, err := ParseMotionTimeline(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Weight != 1.0 || events[0].T != 1.0 {
		t.Fatalf("hit event wrong: %+v", events[0])
	}
	if events[1].Weight != 0.8 || events[1].T != 2.0 {
		t.Fatalf("hold event should weigh 0.8 at t_start: %+v", events[1])
	}
	if events[2].Weight != 0.8 || events[2].T != 4.0 {
		t.Fatalf("hold start alias wrong: %+v", events[2])
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := ParseMusicTimeline([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed music artifact")
	}
	if _, err := ParseMotionTimeline([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed motion artifact")
	}
}
