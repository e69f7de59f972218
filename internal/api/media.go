package api

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"beatsync/internal/auth"
	"beatsync/internal/models"
	"beatsync/internal/store"
)

const maxUploadBytes = 2 << 30 // 2 GiB

type presignRequest struct {
	Kind        string `json:"kind"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type presignResponse struct {
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

// handleMediaPresign hands out a presigned PUT so clients upload straight to
// object storage. The object is not in the library until committed.
func (s *Server) handleMediaPresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validateKind(req.Kind); err != nil {
		s.writeError(w, err)
		return
	}

	key := storageKey(req.Kind, req.Filename)
	url, err := s.blobs.PresignPut(r.Context(), key, req.ContentType)
	if err != nil {
		s.writeError(w, fmt.Errorf("presign put: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{UploadURL: url, StorageKey: key})
}

type commitRequest struct {
	Kind        string   `json:"kind"`
	StorageKey  string   `json:"storage_key"`
	ContentType *string  `json:"content_type"`
	DurationSec *float64 `json:"duration_sec"`
}

// handleMediaCommit registers a presign-uploaded object in the media library.
func (s *Server) handleMediaCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validateKind(req.Kind); err != nil {
		s.writeError(w, err)
		return
	}
	if !strings.HasPrefix(req.StorageKey, "media/") {
		s.writeError(w, models.ValidationError{Msg: "storage_key must come from a presign response"})
		return
	}

	m, err := s.store.CreateMedia(r.Context(), store.CreateMediaParams{
		OwnerID:     auth.OwnerID(r.Context()),
		Kind:        req.Kind,
		StorageKey:  req.StorageKey,
		ContentType: req.ContentType,
		DurationSec: req.DurationSec,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleMediaUpload accepts a direct multipart upload for small files.
func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "multipart field 'file' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	kind := r.FormValue("kind")
	if kind == "" {
		kind = kindFromContentType(contentType)
	}
	if err := validateKind(kind); err != nil {
		s.writeError(w, err)
		return
	}

	key := storageKey(kind, header.Filename)
	if err := s.blobs.Upload(r.Context(), key, file, contentType); err != nil {
		s.writeError(w, fmt.Errorf("upload media: %w", err))
		return
	}

	var ct *string
	if contentType != "" {
		ct = &contentType
	}
	m, err := s.store.CreateMedia(r.Context(), store.CreateMediaParams{
		OwnerID:     auth.OwnerID(r.Context()),
		Kind:        kind,
		StorageKey:  key,
		ContentType: ct,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleMediaDownload returns a presigned GET for an owned media object.
func (s *Server) handleMediaDownload(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetOwnedMedia(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	url, err := s.blobs.PresignGet(r.Context(), m.StorageKey)
	if err != nil {
		s.writeError(w, fmt.Errorf("presign get: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
}

func validateKind(kind string) error {
	if kind != models.MediaVideo && kind != models.MediaAudio {
		return models.ValidationError{Msg: "kind must be video or audio"}
	}
	return nil
}

func kindFromContentType(ct string) string {
	switch {
	case strings.HasPrefix(ct, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(ct, "audio/"):
		return models.MediaAudio
	default:
		return ""
	}
}

// storageKey allocates a fresh object key, keeping the client extension.
func storageKey(kind, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 {
		ext = ""
	}
	return fmt.Sprintf("media/%s/%s%s", kind, uuid.NewString(), ext)
}
