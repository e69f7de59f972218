package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"beatsync/internal/auth"
	"beatsync/internal/config"
	"beatsync/internal/media"
	"beatsync/internal/models"
	"beatsync/internal/ratelimit"
	"beatsync/internal/status"
	"beatsync/internal/store"
	"beatsync/internal/telemetry"
)

// Server wires the HTTP handlers for the analysis API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	blobs   *media.Store
	pub     *status.Publisher
	limiter *ratelimit.SubmissionLimiter
	auth    *auth.Authenticator
	log     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, blobs *media.Store, pub *status.Publisher, limiter *ratelimit.SubmissionLimiter, authn *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		pub:     pub,
		limiter: limiter,
		auth:    authn,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/media/presign", s.handleMediaPresign)
		r.Post("/media/commit", s.handleMediaCommit)
		r.Post("/media", s.handleMediaUpload)
		r.Get("/media/{id}/download", s.handleMediaDownload)

		r.Post("/analyses", s.handleSubmit)
		r.Get("/analyses", s.handleList)
		r.Get("/analyses/{id}", s.handleDetail)
		r.Get("/analyses/{id}/status", s.handleStatus)
		r.Get("/analyses/{id}/status/stream", s.handleStatusStream)
		r.Post("/analyses/{id}/rerun", s.handleRerun)
		r.Post("/analyses/{id}/music", s.handleMusicRerun)
		r.Delete("/analyses/{id}", s.handleDelete)

		r.Get("/monitoring", s.handleMonitoring)
	})

	return r
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto HTTP codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case models.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("request failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
