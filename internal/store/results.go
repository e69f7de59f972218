package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"beatsync/internal/models"
)

// ResultPatch is a partial artifact-reference write; nil fields keep the
// stored value. Artifacts already recorded are never rolled back by a later
// sub-task failure.
type ResultPatch struct {
	MotionEventsKey *string
	ObjectEventsKey *string
	MusicEventsKey  *string
	OverlayVideoKey *string
	StemDrumsKey    *string
	StemBassKey     *string
	StemVocalsKey   *string
	StemOtherKey    *string
	StemDrumLowKey  *string
	StemDrumMidKey  *string
	StemDrumHighKey *string
}

// UpsertResult lazily creates the result row and merges the patch into it.
func (s *Store) UpsertResult(ctx context.Context, requestID string, p ResultPatch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_results (
			request_id, motion_events_key, object_events_key, music_events_key, overlay_video_key,
			stem_drums_key, stem_bass_key, stem_vocals_key, stem_other_key,
			stem_drum_low_key, stem_drum_mid_key, stem_drum_high_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			motion_events_key = COALESCE($2, analysis_results.motion_events_key),
			object_events_key = COALESCE($3, analysis_results.object_events_key),
			music_events_key = COALESCE($4, analysis_results.music_events_key),
			overlay_video_key = COALESCE($5, analysis_results.overlay_video_key),
			stem_drums_key = COALESCE($6, analysis_results.stem_drums_key),
			stem_bass_key = COALESCE($7, analysis_results.stem_bass_key),
			stem_vocals_key = COALESCE($8, analysis_results.stem_vocals_key),
			stem_other_key = COALESCE($9, analysis_results.stem_other_key),
			stem_drum_low_key = COALESCE($10, analysis_results.stem_drum_low_key),
			stem_drum_mid_key = COALESCE($11, analysis_results.stem_drum_mid_key),
			stem_drum_high_key = COALESCE($12, analysis_results.stem_drum_high_key),
			updated_at = NOW()
	`, requestID, p.MotionEventsKey, p.ObjectEventsKey, p.MusicEventsKey, p.OverlayVideoKey,
		p.StemDrumsKey, p.StemBassKey, p.StemVocalsKey, p.StemOtherKey,
		p.StemDrumLowKey, p.StemDrumMidKey, p.StemDrumHighKey)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult fetches the result row if it exists.
func (s *Store) GetResult(ctx context.Context, requestID string) (models.Result, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, motion_events_key, object_events_key, music_events_key, overlay_video_key,
			stem_drums_key, stem_bass_key, stem_vocals_key, stem_other_key,
			stem_drum_low_key, stem_drum_mid_key, stem_drum_high_key,
			match_score, match_details, created_at, updated_at
		FROM analysis_results WHERE request_id = $1
	`, requestID)

	var res models.Result
	var keys [11]pgtype.Text
	var score pgtype.Int4
	var detailsJSON []byte
	err := row.Scan(&res.RequestID, &keys[0], &keys[1], &keys[2], &keys[3], &keys[4], &keys[5],
		&keys[6], &keys[7], &keys[8], &keys[9], &keys[10], &score, &detailsJSON,
		&res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, false, nil
	}
	if err != nil {
		return models.Result{}, false, fmt.Errorf("scan result: %w", err)
	}
	res.MotionEventsKey = textPtr(keys[0])
	res.ObjectEventsKey = textPtr(keys[1])
	res.MusicEventsKey = textPtr(keys[2])
	res.OverlayVideoKey = textPtr(keys[3])
	res.StemDrumsKey = textPtr(keys[4])
	res.StemBassKey = textPtr(keys[5])
	res.StemVocalsKey = textPtr(keys[6])
	res.StemOtherKey = textPtr(keys[7])
	res.StemDrumLowKey = textPtr(keys[8])
	res.StemDrumMidKey = textPtr(keys[9])
	res.StemDrumHighKey = textPtr(keys[10])
	if score.Valid {
		v := int(score.Int32)
		res.MatchScore = &v
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &res.MatchDetails); err != nil {
			return models.Result{}, false, fmt.Errorf("unmarshal match details: %w", err)
		}
	}
	return res, true, nil
}

// SetMatchScore records the score once: the conditional update makes scoring
// idempotent-by-presence, so a stored score blocks recomputation. Returns
// whether this call was the one that wrote it.
func (s *Store) SetMatchScore(ctx context.Context, requestID string, score int, details map[string]any) (bool, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("marshal match details: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET match_score = $2, match_details = $3, updated_at = NOW()
		WHERE request_id = $1 AND match_score IS NULL
	`, requestID, score, detailsJSON)
	if err != nil {
		return false, fmt.Errorf("set match score: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearPrimaryArtifacts drops motion/object artifact refs and the score,
// ahead of a full rerun.
func (s *Store) ClearPrimaryArtifacts(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET motion_events_key = NULL, object_events_key = NULL, overlay_video_key = NULL,
			match_score = NULL, match_details = NULL, updated_at = NOW()
		WHERE request_id = $1
	`, requestID)
	return err
}

// ClearMusicArtifacts drops music/stem artifact refs and the score, ahead of
// a music-only rerun.
func (s *Store) ClearMusicArtifacts(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_results
		SET music_events_key = NULL,
			stem_drums_key = NULL, stem_bass_key = NULL, stem_vocals_key = NULL, stem_other_key = NULL,
			stem_drum_low_key = NULL, stem_drum_mid_key = NULL, stem_drum_high_key = NULL,
			match_score = NULL, match_details = NULL, updated_at = NOW()
		WHERE request_id = $1
	`, requestID)
	return err
}

// DeleteResult removes the row, part of the external hard-delete op.
func (s *Store) DeleteResult(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM analysis_results WHERE request_id = $1`, requestID)
	return err
}
