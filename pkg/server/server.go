/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the HTTP API: task management, sync triggers,
// report pages and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dstack-tee/dstack-verifier/pkg/obsmetrics"
	"github.com/dstack-tee/dstack-verifier/pkg/queue"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
)

// TaskStore is the persistence surface the API serves from.
type TaskStore interface {
	CreateTask(ctx context.Context, t *store.VerificationTask) error
	SetTaskJobID(ctx context.Context, id uuid.UUID, jobID string) error
	GetTask(ctx context.Context, id uuid.UUID) (*store.VerificationTask, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.VerificationTask, *store.TaskCursor, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	GetApp(ctx context.Context, id string) (*store.App, error)
	ListApps(ctx context.Context, includeTombstoned bool) ([]store.App, error)
}

// JobQueue is the queue surface the API drives.
type JobQueue interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, delay time.Duration) (*queue.Job, error)
	RemoveJob(ctx context.Context, taskID uuid.UUID) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Counts(ctx context.Context) (wait, active, delayed int64, err error)
}

// ReportStore downloads stored verification reports.
type ReportStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// SyncTrigger runs an upstream sync on demand.
type SyncTrigger interface {
	SyncApps(ctx context.Context) error
	SyncProfiles(ctx context.Context) error
}

// Config carries the server wiring.
type Config struct {
	Tasks   TaskStore
	Queue   JobQueue
	Reports ReportStore
	Sync    SyncTrigger
	Metrics *obsmetrics.Metrics

	// CronAPIKey guards the sync trigger endpoints. Empty disables them.
	CronAPIKey string
	// DefaultFlags is the flags mask applied to task requests that name
	// none, default "all".
	DefaultFlags string
	// AllowedOrigins configures CORS for the JSON API.
	AllowedOrigins []string

	Logger logr.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	logger logr.Logger
	ready  func(context.Context) error
}

// New creates the server. ready is polled by the readiness endpoint; nil
// means always ready.
func New(cfg Config, ready func(context.Context) error) *Server {
	return &Server{cfg: cfg, logger: cfg.Logger.WithName("server"), ready: ready}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-KEY"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.createTasks)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{taskID}", s.getTask)
		r.Delete("/tasks/{taskID}", s.deleteTask)
		r.Get("/tasks/{taskID}/report", s.downloadReport)

		r.Get("/apps", s.listApps)
		r.Get("/apps/{appID}", s.getApp)
		r.Get("/apps/{appID}/tasks", s.listAppTasks)

		r.Get("/queue", s.queueCounts)
		r.Post("/queue/pause", s.pauseQueue)
		r.Post("/queue/resume", s.resumeQueue)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCronKey)
			r.Post("/sync/apps", s.triggerAppSync)
			r.Post("/sync/profiles", s.triggerProfileSync)
		})
	})

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readiness)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	// Embeddable report widget, then the restrictive report pages. The
	// page routes sit last so API and operational routes win.
	r.Get("/widget/{appID}/{taskID}", s.widgetPage)
	r.Get("/{appID}", s.appPage)
	r.Get("/{appID}/{taskID}", s.taskPage)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HTTPRequests.WithLabelValues(routePattern(r), statusClass(ww.Status())).Inc()
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func (s *Server) requireCronKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronAPIKey == "" {
			s.writeError(w, http.StatusNotFound, "sync triggers are disabled")
			return
		}
		if r.Header.Get("X-API-KEY") != s.cfg.CronAPIKey {
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(err, "encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
