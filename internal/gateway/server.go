// Package gateway exposes the HTTP interface for the browser task service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/config"
	"github.com/madiyarbolatuly/browserd/internal/dispatcher"
	"github.com/madiyarbolatuly/browserd/internal/metrics"
	"github.com/madiyarbolatuly/browserd/internal/pool"
	queuemem "github.com/madiyarbolatuly/browserd/internal/queue/memory"
	"github.com/madiyarbolatuly/browserd/internal/scrape"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// Server wires HTTP handlers to the dispatcher, stores and pool.
type Server struct {
	router     chi.Router
	store      browser.TaskStore
	dispatcher *dispatcher.Dispatcher
	pool       *pool.Pool
	inbound    browser.ArtifactStore
	outbound   browser.ArtifactStore
	idGen      browser.IDGenerator
	clock      browser.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store browser.TaskStore,
	dispatcher *dispatcher.Dispatcher,
	p *pool.Pool,
	inbound browser.ArtifactStore,
	outbound browser.ArtifactStore,
	idGen browser.IDGenerator,
	clock browser.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		pool:       p,
		inbound:    inbound,
		outbound:   outbound,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/status", s.getTaskStatus)
				r.Get("/result", s.getTaskResult)
				r.Post("/cancel", s.cancelTask)
			})
		})
		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.uploadFile)
			r.Get("/{file_id}", s.downloadFile)
		})
		r.Get("/artifacts/{key}", s.downloadArtifact)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	snap := s.pool.Snapshot()
	if snap.Draining {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining", "pool": snap})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "pool": snap})
}

type submitTaskRequest struct {
	Kind           string            `json:"kind"`
	URL            string            `json:"url"`
	Queries        []string          `json:"queries"`
	InputKey       string            `json:"input_key"`
	OutputFormat   string            `json:"output_format"`
	ForceBrowser   bool              `json:"force_browser"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.toTask(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if task.Kind == browser.TaskKindScrape && len(task.Queries) == 0 {
		queries, qerr := s.resolveQueries(r.Context(), task.InputKey)
		if qerr != nil {
			writeError(w, http.StatusBadRequest, qerr.Error())
			return
		}
		task.Queries = queries
	}
	if err := s.dispatcher.Submit(r.Context(), task); err != nil {
		switch {
		case errors.Is(err, queuemem.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "task queue is full")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(browser.TaskStatusQueued),
	})
}

func (s *Server) toTask(req submitTaskRequest) (browser.Task, error) {
	kind := browser.TaskKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	switch kind {
	case browser.TaskKindRender, browser.TaskKindPDF:
		if req.URL == "" {
			return browser.Task{}, errors.New("url is required")
		}
	case browser.TaskKindScrape:
		if len(req.Queries) == 0 && req.InputKey == "" {
			return browser.Task{}, errors.New("either queries or input_key is required")
		}
	default:
		return browser.Task{}, fmt.Errorf("unsupported task kind %q", req.Kind)
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout()
	}
	if max := s.cfg.MaxTaskTimeout(); timeout > max {
		timeout = max
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return browser.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	return browser.Task{
		ID:           id,
		Kind:         kind,
		URL:          req.URL,
		Queries:      req.Queries,
		InputKey:     req.InputKey,
		OutputFormat: req.OutputFormat,
		ForceBrowser: req.ForceBrowser,
		Headers:      req.Headers,
		Timeout:      timeout,
	}, nil
}

// resolveQueries loads scrape queries from a previously uploaded CSV file.
func (s *Server) resolveQueries(ctx context.Context, inputKey string) ([]string, error) {
	rc, err := s.inbound.Get(ctx, inputKey)
	if err != nil {
		return nil, fmt.Errorf("input file %s: %w", inputKey, err)
	}
	defer rc.Close()
	queries, err := scrape.QueriesFromCSV(rc)
	if err != nil {
		return nil, fmt.Errorf("input file %s: %w", inputKey, err)
	}
	return queries, nil
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	rec, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	res, err := s.store.GetResult(r.Context(), taskID)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	rec, recErr := s.store.GetTask(r.Context(), taskID)
	if recErr != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"error":  "task has not finished",
		"status": string(rec.Status),
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	err := s.dispatcher.Cancel(r.Context(), taskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "canceling"})
	case errors.Is(err, browser.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, dispatcher.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read upload failed")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate file id failed")
		return
	}
	key := id + strings.ToLower(filepath.Ext(header.Filename))
	uri, err := s.inbound.Put(r.Context(), key, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file_id": key, "uri": uri})
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, s.inbound, chi.URLParam(r, "file_id"))
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, s.outbound, chi.URLParam(r, "key"))
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, store browser.ArtifactStore, key string) {
	rc, err := store.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeForKey(key))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact stream failed", zap.String("key", key), zap.Error(err))
	}
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
