package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"beatsync/internal/engine"
	"beatsync/internal/match"
	"beatsync/internal/models"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
)

// Fixed progress checkpoints. The music sub-task reports on a compressed
// scale when forked alongside the primary so the merged stream stays
// monotonic (the store keeps the maximum either unit has reported).
type checkpoints struct {
	download float64
	analyze  float64
	upload   float64
}

var (
	primaryCheckpoints     = checkpoints{download: 0.15, analyze: 0.5, upload: 0.85}
	musicOnlyCheckpoints   = checkpoints{download: 0.15, analyze: 0.5, upload: 0.85}
	musicForkedCheckpoints = checkpoints{download: 0.65, analyze: 0.72, upload: 0.9}
)

// runPrimary executes the mode's motion/object analysis: download the video,
// invoke the engine, upload the produced artifacts, and record their refs.
// The deleted flag is re-read at every checkpoint.
func (d *Dispatcher) runPrimary(ctx context.Context, req models.Request, workdir string) error {
	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}
	if req.VideoID == nil {
		return fmt.Errorf("request %s: no video attached", req.ID)
	}
	video, err := d.store.GetMedia(ctx, *req.VideoID)
	if err != nil {
		return fmt.Errorf("video media: %w", err)
	}

	d.publishProgress(ctx, req.ID, "downloading video", primaryCheckpoints.download)
	input := filepath.Join(workdir, "input"+mediaExt(video, ".mp4"))
	if err := d.blobs.DownloadTo(ctx, video.StorageKey, input); err != nil {
		return fmt.Errorf("download video: %w", err)
	}

	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}

	var run EngineFunc
	var outJSON, outVideo, stage string
	switch req.Mode {
	case models.ModeObject:
		run = d.engines.Object
		outJSON = filepath.Join(workdir, "object_events.json")
		outVideo = filepath.Join(workdir, "object_events_overlay.mp4")
		stage = "running object analysis"
	default:
		run = d.engines.Motion
		outJSON = filepath.Join(workdir, "motion_events.json")
		stage = "running motion analysis"
	}

	d.publishProgress(ctx, req.ID, stage, primaryCheckpoints.analyze)
	if err := run(ctx, engine.Inputs{Input: input, OutJSON: outJSON, OutVideo: outVideo}); err != nil {
		return err
	}

	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}

	d.publishProgress(ctx, req.ID, "uploading results", primaryCheckpoints.upload)
	patch := store.ResultPatch{}
	switch req.Mode {
	case models.ModeObject:
		key := artifactKey(req.ID, "object_events.json")
		if err := d.blobs.UploadFile(ctx, key, outJSON, "application/json"); err != nil {
			return fmt.Errorf("upload object events: %w", err)
		}
		patch.ObjectEventsKey = &key
		if _, statErr := os.Stat(outVideo); statErr == nil {
			overlayKey := artifactKey(req.ID, "object_events_overlay.mp4")
			if err := d.blobs.UploadFile(ctx, overlayKey, outVideo, "video/mp4"); err != nil {
				return fmt.Errorf("upload overlay: %w", err)
			}
			patch.OverlayVideoKey = &overlayKey
		}
	default:
		key := artifactKey(req.ID, "motion_events.json")
		if err := d.blobs.UploadFile(ctx, key, outJSON, "application/json"); err != nil {
			return fmt.Errorf("upload motion events: %w", err)
		}
		patch.MotionEventsKey = &key
	}
	if err := d.store.UpsertResult(ctx, req.ID, patch); err != nil {
		return fmt.Errorf("record primary result: %w", err)
	}
	return nil
}

// runMusic executes the music analysis sub-task. The input is the audio ref
// when present, else the video (the engine extracts the audio track itself).
func (d *Dispatcher) runMusic(ctx context.Context, req models.Request, plan Plan, workdir string, cp checkpoints) error {
	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}

	var source models.MediaFile
	var err error
	var inputName string
	if plan.MusicFromVideo {
		if req.VideoID == nil {
			return fmt.Errorf("request %s: no media for music analysis", req.ID)
		}
		source, err = d.store.GetMedia(ctx, *req.VideoID)
		inputName = "music_input" + mediaExt(source, ".mp4")
		d.publishProgress(ctx, req.ID, "downloading video for audio", cp.download)
	} else {
		source, err = d.store.GetMedia(ctx, *req.AudioID)
		inputName = "input_audio" + mediaExt(source, ".wav")
		d.publishProgress(ctx, req.ID, "downloading audio", cp.download)
	}
	if err != nil {
		return fmt.Errorf("music media: %w", err)
	}

	musicDir := filepath.Join(workdir, "music")
	input := filepath.Join(musicDir, inputName)
	if err := d.blobs.DownloadTo(ctx, source.StorageKey, input); err != nil {
		return fmt.Errorf("download music input: %w", err)
	}

	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}

	stemsDir := filepath.Join(musicDir, "stems")
	if err := os.MkdirAll(stemsDir, 0o755); err != nil {
		return fmt.Errorf("create stems dir: %w", err)
	}
	outJSON := filepath.Join(musicDir, "music_events.json")

	d.publishProgress(ctx, req.ID, "analyzing music", cp.analyze)
	if err := d.engines.Music(ctx, engine.Inputs{Input: input, OutJSON: outJSON, OutDir: stemsDir}); err != nil {
		return err
	}

	if err := d.checkDeleted(ctx, req.ID); err != nil {
		return err
	}

	d.publishProgress(ctx, req.ID, "uploading music results", cp.upload)
	key := artifactKey(req.ID, "music_events.json")
	if err := d.blobs.UploadFile(ctx, key, outJSON, "application/json"); err != nil {
		return fmt.Errorf("upload music events: %w", err)
	}
	patch := store.ResultPatch{MusicEventsKey: &key}
	d.collectStems(ctx, req.ID, stemsDir, &patch)

	if err := d.store.UpsertResult(ctx, req.ID, patch); err != nil {
		return fmt.Errorf("record music result: %w", err)
	}
	return nil
}

// collectStems uploads whichever stem files the music engine produced.
// Missing stems are normal; upload failures here only cost the stem ref.
func (d *Dispatcher) collectStems(ctx context.Context, requestID, stemsDir string, patch *store.ResultPatch) {
	stems := []struct {
		file string
		dst  **string
	}{
		{"drums.wav", &patch.StemDrumsKey},
		{"bass.wav", &patch.StemBassKey},
		{"vocals.wav", &patch.StemVocalsKey},
		{"other.wav", &patch.StemOtherKey},
		{"drum_low.wav", &patch.StemDrumLowKey},
		{"drum_mid.wav", &patch.StemDrumMidKey},
		{"drum_high.wav", &patch.StemDrumHighKey},
	}
	for _, stem := range stems {
		path := filepath.Join(stemsDir, stem.file)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		key := artifactKey(requestID, "stems/"+stem.file)
		if err := d.blobs.UploadFile(ctx, key, path, "audio/wav"); err != nil {
			d.log.Warn("stem upload failed",
				slog.String("request_id", requestID),
				slog.String("stem", stem.file),
				slog.Any("error", err))
			continue
		}
		k := key
		*stem.dst = &k
	}
}

// tryMatchScore computes the alignment score the first time both timelines
// exist and no score is stored yet. Every error here is logged and
// swallowed; scoring never fails the owning request.
func (d *Dispatcher) tryMatchScore(ctx context.Context, requestID string) {
	res, found, err := d.store.GetResult(ctx, requestID)
	if err != nil || !found {
		return
	}
	primaryKey := res.PrimaryTimelineKey()
	if primaryKey == nil || res.MusicEventsKey == nil || res.MatchScore != nil {
		return
	}

	motionRaw, err := d.blobs.DownloadBytes(ctx, *primaryKey)
	if err != nil {
		d.log.Warn("match score: motion artifact", slog.String("request_id", requestID), slog.Any("error", err))
		return
	}
	musicRaw, err := d.blobs.DownloadBytes(ctx, *res.MusicEventsKey)
	if err != nil {
		d.log.Warn("match score: music artifact", slog.String("request_id", requestID), slog.Any("error", err))
		return
	}

	motionEvents, err := match.ParseMotionTimeline(motionRaw)
	if err != nil {
		d.log.Warn("match score: parse motion", slog.String("request_id", requestID), slog.Any("error", err))
		return
	}
	musicEvents, err := match.ParseMusicTimeline(musicRaw)
	if err != nil {
		d.log.Warn("match score: parse music", slog.String("request_id", requestID), slog.Any("error", err))
		return
	}

	score := match.Compute(musicEvents, motionEvents, match.Options{})
	wrote, err := d.store.SetMatchScore(ctx, requestID, score.Score, score.Details())
	if err != nil {
		d.log.Warn("match score: store", slog.String("request_id", requestID), slog.Any("error", err))
		return
	}
	if wrote {
		telemetry.ScoresComputed.Inc()
		d.log.Info("match score stored",
			slog.String("request_id", requestID),
			slog.Int("score", score.Score))
	}
}

func artifactKey(requestID, name string) string {
	return fmt.Sprintf("results/%s/%s", requestID, name)
}

// mediaExt derives a file extension from the storage key or content type.
func mediaExt(m models.MediaFile, fallback string) string {
	if idx := strings.LastIndex(m.StorageKey, "."); idx >= 0 && idx > strings.LastIndex(m.StorageKey, "/") {
		return m.StorageKey[idx:]
	}
	if m.ContentType != nil {
		switch {
		case strings.Contains(*m.ContentType, "wav"):
			return ".wav"
		case strings.Contains(*m.ContentType, "mpeg"), strings.Contains(*m.ContentType, "mp3"):
			return ".mp3"
		case strings.Contains(*m.ContentType, "mp4"), strings.Contains(*m.ContentType, "m4a"):
			return ".m4a"
		}
	}
	return fallback
}
