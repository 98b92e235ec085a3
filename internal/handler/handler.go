// Package handler exposes the extraction, grading, generation and
// study-plan services as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examforge/internal/document"
	"github.com/pavelanni/examforge/internal/extraction"
	"github.com/pavelanni/examforge/internal/grading"
	"github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/qbank"
	"github.com/pavelanni/examforge/internal/store"
	"github.com/pavelanni/examforge/internal/studyplan"
)

// Services are the pipelines the API drives.
type Services struct {
	Extraction *extraction.Service
	Grading    *grading.Service
	Banks      *qbank.Service
	Plans      *studyplan.Service
}

// Config holds HTTP-level settings.
type Config struct {
	MaxUploadBytes int64
	SessionTTL     time.Duration
}

// DefaultConfig returns the settings used when flags are unset.
func DefaultConfig() Config {
	return Config{MaxUploadBytes: 32 << 20, SessionTTL: store.DefaultSessionTTL}
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store *store.Store
	svc   Services
	tr    *i18n.Translator
	cfg   Config
}

// New creates a new Handler.
func New(st *store.Store, svc Services, tr *i18n.Translator, cfg Config) *Handler {
	return &Handler{store: st, svc: svc, tr: tr, cfg: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/logout", h.handleLogout)

		r.Get("/api/papers", h.handleListPapers)
		r.Post("/api/papers", h.handleUploadPaper)
		r.Get("/api/papers/{paperID}", h.handleGetPaper)
		r.Delete("/api/papers/{paperID}", h.handleDeletePaper)
		r.Post("/api/papers/{paperID}/reextract", h.handleReextract)
		r.Get("/api/papers/{paperID}/export", h.handleExport)
		r.Get("/api/papers/{paperID}/sheets", h.handleListSheets)
		r.Post("/api/papers/{paperID}/sheets", h.handleUploadSheet)

		r.Get("/api/sheets/{sheetID}", h.handleGetSheet)
		r.Post("/api/sheets/{sheetID}/regrade", h.handleRegrade)
		r.Post("/api/sheets/{sheetID}/plan", h.handleBuildPlan)
		r.Get("/api/plans/{planID}", h.handleGetPlan)

		r.Post("/api/banks", h.handleGenerateBank)
		r.Get("/api/banks/{bankID}", h.handleGetBank)

		r.Get("/api/runs/{runID}", h.handleGetRun)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Patch("/api/admin/users/{userID}", h.handleSetUserActive)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runView is a run with a localized outcome message.
type runView struct {
	*model.Run
	Summary string `json:"summary"`
}

func (h *Handler) view(r *http.Request, run *model.Run) *runView {
	if run == nil {
		return nil
	}
	return &runView{Run: run, Summary: h.tr.RunSummary(r.Context(), *run)}
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, run))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// fail maps service errors to HTTP responses. Unexpected errors are logged
// and hidden behind a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, h.tr.T(ctx, "NotFound"))
	case errors.Is(err, grading.ErrBusy):
		writeError(w, http.StatusConflict, h.tr.T(ctx, "SheetBusy"))
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, extraction.ErrUnknownCount),
		errors.Is(err, grading.ErrNoQuestions),
		errors.Is(err, studyplan.ErrNotGraded),
		errors.Is(err, document.ErrNeedsOCR):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, h.tr.T(ctx, "InternalError"))
	}
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrInvalidInput, name)
	}
	return id, nil
}

func boolValue(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.FormValue(name))
	return b
}

// readUpload parses a multipart request and returns the named file.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, field string) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		return "", nil, fmt.Errorf("%w: parse upload: %v", model.ErrInvalidInput, err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s file is required", model.ErrInvalidInput, field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read upload: %v", model.ErrInvalidInput, err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: %s file is empty", model.ErrInvalidInput, field)
	}
	return header.Filename, data, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode request body: %v", model.ErrInvalidInput, err)
	}
	return nil
}
