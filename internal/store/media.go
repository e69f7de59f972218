package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"beatsync/internal/models"
)

// CreateMediaParams registers an uploaded object in the media library.
type CreateMediaParams struct {
	OwnerID     string
	Kind        string
	StorageKey  string
	ContentType *string
	DurationSec *float64
}

// CreateMedia inserts a media row for an object already in storage.
func (s *Store) CreateMedia(ctx context.Context, p CreateMediaParams) (models.MediaFile, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_files (id, owner_id, kind, storage_key, content_type, duration_sec, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, p.OwnerID, p.Kind, p.StorageKey, p.ContentType, p.DurationSec, now)
	if err != nil {
		return models.MediaFile{}, fmt.Errorf("insert media: %w", err)
	}
	return models.MediaFile{
		ID:          id,
		OwnerID:     p.OwnerID,
		Kind:        p.Kind,
		StorageKey:  p.StorageKey,
		ContentType: p.ContentType,
		DurationSec: p.DurationSec,
		CreatedAt:   now,
	}, nil
}

// GetMedia fetches a media row by id.
func (s *Store) GetMedia(ctx context.Context, id string) (models.MediaFile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, kind, storage_key, content_type, duration_sec, created_at
		FROM media_files WHERE id = $1
	`, id)

	var m models.MediaFile
	var contentType pgtype.Text
	var duration pgtype.Float8
	err := row.Scan(&m.ID, &m.OwnerID, &m.Kind, &m.StorageKey, &contentType, &duration, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaFile{}, models.ErrNotFound
	}
	if err != nil {
		return models.MediaFile{}, fmt.Errorf("scan media: %w", err)
	}
	m.ContentType = textPtr(contentType)
	if duration.Valid {
		v := duration.Float64
		m.DurationSec = &v
	}
	return m, nil
}

// GetOwnedMedia enforces ownership; foreign media reads as not found so
// callers cannot probe for other users' uploads.
func (s *Store) GetOwnedMedia(ctx context.Context, ownerID, id string) (models.MediaFile, error) {
	m, err := s.GetMedia(ctx, id)
	if err != nil {
		return models.MediaFile{}, err
	}
	if m.OwnerID != ownerID {
		return models.MediaFile{}, models.ErrNotFound
	}
	return m, nil
}
