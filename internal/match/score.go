// Package match computes the cross-modal alignment score between a
// motion/object event timeline and a music keypoint timeline.
package match

import (
	"encoding/json"
	"fmt"
	"math"
)

// Default tuning. Band weights favor high-frequency percussive keypoints;
// hold events count at their start time with reduced weight.
const (
	DefaultTau       = 0.3
	DefaultSigmoidK  = 12.0
	DefaultSigmoidX0 = 0.55

	weightHit  = 1.0
	weightHold = 0.8
)

var bandWeights = map[string]float64{
	"low":  0.7,
	"mid":  0.9,
	"high": 1.0,
}

// Event is a timestamped, weighted keypoint from either timeline.
type Event struct {
	T      float64
	Weight float64
}

// Options tune the scorer; zero values fall back to the defaults.
type Options struct {
	Tau       float64
	SigmoidK  float64
	SigmoidX0 float64
}

func (o Options) withDefaults() Options {
	if o.Tau == 0 {
		o.Tau = DefaultTau
	}
	if o.SigmoidK == 0 {
		o.SigmoidK = DefaultSigmoidK
	}
	if o.SigmoidX0 == 0 {
		o.SigmoidX0 = DefaultSigmoidX0
	}
	return o
}

// Score is the full scoring outcome, persisted as the match detail payload.
type Score struct {
	Score         int     `json:"score"`
	MotionToMusic float64 `json:"motion_to_music"`
	Tau           float64 `json:"tau"`
	SigmoidK      float64 `json:"sigmoid_k"`
	SigmoidX0     float64 `json:"sigmoid_x0"`
	ScoreRaw      float64 `json:"score_raw"`
}

// Details renders the score as the jsonb detail payload.
func (s Score) Details() map[string]any {
	return map[string]any{
		"score":           s.Score,
		"motion_to_music": s.MotionToMusic,
		"tau":             s.Tau,
		"sigmoid_k":       s.SigmoidK,
		"sigmoid_x0":      s.SigmoidX0,
		"score_raw":       s.ScoreRaw,
	}
}

// Compute scores how well motion events line up with music keypoints: each
// motion event contributes max(0, 1-delta/tau)*weight when its nearest music
// keypoint is within tau, coverage is the weighted fraction matched, and the
// coverage is squashed through a sigmoid onto 0..100.
func Compute(musicEvents, motionEvents []Event, opts Options) Score {
	opts = opts.withDefaults()
	coverage := weightedCoverage(motionEvents, musicEvents, opts.Tau)
	raw := sigmoid(coverage, opts.SigmoidK, opts.SigmoidX0)
	return Score{
		Score:         int(math.Round(raw * 100)),
		MotionToMusic: coverage,
		Tau:           opts.Tau,
		SigmoidK:      opts.SigmoidK,
		SigmoidX0:     opts.SigmoidX0,
		ScoreRaw:      raw,
	}
}

// weightedCoverage is defined as 0 when there are no motion events.
func weightedCoverage(motion, music []Event, tau float64) float64 {
	if len(motion) == 0 {
		return 0
	}
	var total, denom float64
	for _, e := range motion {
		denom += e.Weight
		if len(music) == 0 {
			continue
		}
		best := math.Inf(1)
		for _, m := range music {
			if d := math.Abs(e.T - m.T); d < best {
				best = d
			}
		}
		if best <= tau {
			total += math.Max(0, 1-best/tau) * e.Weight
		}
	}
	if denom == 0 {
		denom = 1
	}
	return total / denom
}

func sigmoid(x, k, x0 float64) float64 {
	return 1.0 / (1.0 + math.Exp(-k*(x-x0)))
}

// ParseMusicTimeline extracts weighted keypoints from a music analysis
// artifact. The preferred shape is keypoints_by_band; a flat keypoints list
// with per-item band labels is accepted as a fallback.
func ParseMusicTimeline(raw []byte) ([]Event, error) {
	var doc struct {
		KeypointsByBand map[string][]timedItem `json:"keypoints_by_band"`
		Keypoints       []timedItem            `json:"keypoints"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse music timeline: %w", err)
	}

	var out []Event
	if len(doc.KeypointsByBand) > 0 {
		for _, band := range []string{"low", "mid", "high"} {
			for _, item := range doc.KeypointsByBand[band] {
				out = append(out, Event{T: item.at(), Weight: bandWeights[band]})
			}
		}
		return out, nil
	}
	for _, item := range doc.Keypoints {
		w, ok := bandWeights[item.band()]
		if !ok {
			w = 0.8
		}
		out = append(out, Event{T: item.at(), Weight: w})
	}
	return out, nil
}

// ParseMotionTimeline extracts weighted events from a motion/object artifact.
// Hit-type events weigh 1.0 at their point time; hold-type events weigh 0.8
// at their start time.
func ParseMotionTimeline(raw []byte) ([]Event, error) {
	var doc struct {
		Events []timedItem `json:"events"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse motion timeline: %w", err)
	}

	out := make([]Event, 0, len(doc.Events))
	for _, item := range doc.Events {
		if item.kind() == "hold" {
			out = append(out, Event{T: item.startAt(), Weight: weightHold})
			continue
		}
		out = append(out, Event{T: item.at(), Weight: weightHit})
	}
	return out, nil
}

// timedItem tolerates the field aliases the artifact producers use.
type timedItem struct {
	T         *float64 `json:"t"`
	Time      *float64 `json:"time"`
	TStart    *float64 `json:"t_start"`
	Start     *float64 `json:"start"`
	Type      string   `json:"type"`
	Kind      string   `json:"kind"`
	Frequency string   `json:"frequency"`
	Band      string   `json:"band"`
}

func (i timedItem) at() float64 {
	if i.T != nil {
		return *i.T
	}
	if i.Time != nil {
		return *i.Time
	}
	return 0
}

func (i timedItem) startAt() float64 {
	if i.TStart != nil {
		return *i.TStart
	}
	if i.Start != nil {
		return *i.Start
	}
	return i.at()
}

func (i timedItem) kind() string {
	if i.Type != "" {
		return i.Type
	}
	return i.Kind
}

func (i timedItem) band() string {
	if i.Frequency != "" {
		return i.Frequency
	}
	if i.Band != "" {
		return i.Band
	}
	return "mid"
}
