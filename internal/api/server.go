package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shaggydog/internal/config"
	"shaggydog/internal/imageproc"
	"shaggydog/internal/logger"
	"shaggydog/internal/models"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/store"
	"shaggydog/internal/telemetry"
)

const (
	ownerHeader = "X-Owner-Token"
	photoField  = "photo"
	listLimit   = 10
)

// JobStore is the persistence the HTTP surface reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, ownerToken string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, ownerToken string, limit int) ([]models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, errorMessage *string) error
	AddAsset(ctx context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (models.Asset, error)
	GetAsset(ctx context.Context, jobID string, kind models.AssetKind) (models.Asset, error)
	ListAssets(ctx context.Context, jobID string) ([]models.Asset, error)
	DeleteJob(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Launcher starts the pipeline for a freshly created job without waiting
// for it.
type Launcher interface {
	Launch(ctx context.Context, task pipeline.Task) error
}

// Limiter throttles uploads per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (bool, float64, error)
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	cfg      config.Config
	store    JobStore
	launcher Launcher
	limiter  Limiter
	log      *logger.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, st JobStore, launcher Launcher, limiter Limiter, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		launcher: launcher,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/generations", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/assets/{kind}", s.handleAsset)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

type assetSummary struct {
	Kind     models.AssetKind `json:"kind"`
	MimeType string           `json:"mime_type"`
	Bytes    int              `json:"bytes"`
	URL      string           `json:"url"`
}

type generationResponse struct {
	Job    models.Job     `json:"job"`
	Assets []assetSummary `json:"assets"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		http.Error(w, "missing "+ownerHeader, http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			s.log.Error("rate limiter", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	data, status, err := s.readPhoto(w, r)
	if err != nil {
		telemetry.UploadRejects.Inc()
		http.Error(w, err.Error(), status)
		return
	}
	info, err := imageproc.Inspect(data)
	if err != nil {
		telemetry.UploadRejects.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	job, err := s.store.CreateJob(ctx, owner)
	if err != nil {
		s.log.Error("create job", "error", err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if _, err := s.store.AddAsset(ctx, job.ID, models.KindOriginal, info.MimeType, data); err != nil {
		s.fail(ctx, job.ID, fmt.Errorf("store original: %w", err))
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(ctx, job.ID, "created", fmt.Sprintf("format=%s size=%dx%d bytes=%d", info.Format, info.Width, info.Height, len(data)))

	if err := s.launcher.Launch(ctx, pipeline.Task{JobID: job.ID, OwnerToken: owner}); err != nil {
		s.fail(ctx, job.ID, fmt.Errorf("launch: %w", err))
		http.Error(w, "failed to start generation", http.StatusServiceUnavailable)
		return
	}
	telemetry.JobsCreated.Inc()
	s.log.Info("generation accepted", "job_id", job.ID, "format", info.Format)

	writeJSON(w, http.StatusAccepted, job)
}

// readPhoto returns the uploaded bytes or the status to reject them with.
func (s *Server) readPhoto(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	// Room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(photoField)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("%s is required", photoField)
	}
	defer file.Close()
	if header.Size > limit {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit)
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("%s is empty", photoField)
	}
	return data, 0, nil
}

// fail moves a job that never reached a worker to error.
func (s *Server) fail(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	s.log.Error("generation not started", "job_id", jobID, "error", msg)
	if err := s.store.UpdateJobStatus(ctx, jobID, models.StatusError, &msg); err != nil {
		s.log.Error("mark error", "job_id", jobID, "error", err)
		return
	}
	_ = s.store.AppendAudit(ctx, jobID, "error", msg)
	telemetry.JobsFailed.Inc()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		http.Error(w, "missing "+ownerHeader, http.StatusUnauthorized)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), owner, listLimit)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	assets, err := s.store.ListAssets(r.Context(), job.ID)
	if err != nil {
		http.Error(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	resp := generationResponse{Job: job, Assets: make([]assetSummary, 0, len(assets))}
	for _, a := range assets {
		resp.Assets = append(resp.Assets, assetSummary{
			Kind:     a.Kind,
			MimeType: a.MimeType,
			Bytes:    len(a.Data),
			URL:      fmt.Sprintf("/generations/%s/assets/%s", job.ID, a.Kind),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	kind, ok := models.ParseAssetKind(chi.URLParam(r, "kind"))
	if !ok {
		http.Error(w, "unknown asset kind", http.StatusNotFound)
		return
	}
	asset, err := s.store.GetAsset(r.Context(), job.ID, kind)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "asset not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load asset", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", asset.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(asset.Data)))
	w.Header().Set("Last-Modified", asset.CreatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(asset.Data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteJob(r.Context(), job.ID)
	switch {
	case errors.Is(err, store.ErrStillRunning):
		http.Error(w, "generation still processing", http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "generation not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "failed to delete generation", http.StatusInternalServerError)
		return
	}
	s.log.Info("generation deleted", "job_id", job.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ownedJob loads the job named in the URL. Jobs of other owners are
// reported as missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		http.Error(w, "missing "+ownerHeader, http.StatusUnauthorized)
		return models.Job{}, false
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.OwnerToken != owner) {
		http.Error(w, "generation not found", http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, "failed to load generation", http.StatusInternalServerError)
		return models.Job{}, false
	}
	return job, true
}

// NewHTTPServer wraps the router with the timeouts used by cmd/api.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
