package worker

import "beatsync/internal/models"

// Plan is the set of sub-tasks a claimed request needs.
type Plan struct {
	// Primary runs the mode's motion/object analysis.
	Primary bool
	// Music runs the music analysis sub-task.
	Music bool
	// MusicFromVideo feeds the video to the music engine when no audio ref
	// exists (audio extraction is part of the engine's input contract).
	MusicFromVideo bool
}

// PlanFor routes a claimed request to its sub-tasks from mode and flags.
func PlanFor(req models.Request) Plan {
	hasAudio := req.AudioID != nil
	if req.Params.MusicOnly {
		return Plan{Music: true, MusicFromVideo: !hasAudio}
	}
	p := Plan{Primary: true}
	if !req.Params.SkipMusic && (hasAudio || req.Params.ExtractAudio) {
		p.Music = true
		p.MusicFromVideo = !hasAudio
	}
	return p
}
