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

package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
	"github.com/dstack-tee/dstack-verifier/pkg/queue"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
	"github.com/dstack-tee/dstack-verifier/pkg/verification"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

// TaskRequest is one requested verification.
type TaskRequest struct {
	AppID           string `json:"appId"`
	ContractAddress string `json:"contractAddress"`
	Model           string `json:"model,omitempty"`
	Domain          string `json:"domain,omitempty"`
	Flags           string `json:"flags,omitempty"`
}

func (tr TaskRequest) appConfig() verifier.AppConfig {
	return verifier.AppConfig{
		ContractAddress: tr.ContractAddress,
		Model:           tr.Model,
		Domain:          tr.Domain,
	}
}

// createTasks accepts a single task request or an array of them and answers
// 202 with the created tasks.
func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	body, err := decodeTaskRequests(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "no task requests in body")
		return
	}

	defaultFlags := s.cfg.DefaultFlags
	if defaultFlags == "" {
		defaultFlags = "all"
	}
	for i := range body {
		if body[i].Flags == "" {
			body[i].Flags = defaultFlags
		}
		if _, err := verification.ParseFlags(body[i].Flags); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := body[i].appConfig().Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// An explicit appId must reference a synced catalogue row. Requests
		// keyed only by contract address skip the lookup.
		if body[i].AppID != "" {
			if _, err := s.cfg.Tasks.GetApp(r.Context(), body[i].AppID); errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusBadRequest, "unknown app "+body[i].AppID)
				return
			} else if err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	created := make([]store.VerificationTask, 0, len(body))
	for _, req := range body {
		cfg := req.appConfig()
		payload, err := json.Marshal(cfg)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Ad-hoc contract-keyed requests carry no catalogue reference.
		task := &store.VerificationTask{
			ID:        uuid.New(),
			AppID:     sql.NullString{String: req.AppID, Valid: req.AppID != ""},
			AppConfig: payload,
			Flags:     req.Flags,
		}
		if err := s.cfg.Tasks.CreateTask(r.Context(), task); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		job, err := s.cfg.Queue.Enqueue(r.Context(), task.ID, 0)
		if err != nil && !errors.Is(err, queue.ErrDuplicate) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job != nil {
			if err := s.cfg.Tasks.SetTaskJobID(r.Context(), task.ID, job.ID); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksCreated.Inc()
		}
		created = append(created, *task)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{"tasks": created})
}

// decodeTaskRequests accepts `{...}` or `[{...}, ...]`.
func decodeTaskRequests(r *http.Request) ([]TaskRequest, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, r.Body, 1<<20)); err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(buf.Bytes())

	if len(raw) > 0 && raw[0] == '[' {
		var many []TaskRequest
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one TaskRequest
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []TaskRequest{one}, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	s.serveTaskList(w, r, r.URL.Query().Get("appId"))
}

// listAppTasks is listTasks scoped to one app via the path.
func (s *Server) listAppTasks(w http.ResponseWriter, r *http.Request) {
	s.serveTaskList(w, r, chi.URLParam(r, "appID"))
}

func (s *Server) serveTaskList(w http.ResponseWriter, r *http.Request, appID string) {
	f := store.TaskFilter{
		AppID:  appID,
		Status: store.TaskStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("after"); v != "" {
		cursor, err := parseCursor(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		f.After = cursor
	}

	tasks, next, err := s.cfg.Tasks.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"tasks": tasks}
	if next != nil {
		resp["nextCursor"] = formatCursor(next)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Cursor format: <rfc3339nano>~<uuid>.
func formatCursor(c *store.TaskCursor) string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "~" + c.ID.String()
}

func parseCursor(s string) (*store.TaskCursor, error) {
	i := len(s) - 37
	if i <= 0 || s[i] != '~' {
		return nil, errors.New("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, s[:i])
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(s[i+1:])
	if err != nil {
		return nil, err
	}
	return &store.TaskCursor{CreatedAt: ts, ID: id}, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.cfg.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// deleteTask removes the task row and its queue job. Active tasks answer
// 409; the caller must wait for the run to finish.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if err := s.cfg.Queue.RemoveJob(r.Context(), id); err != nil && !errors.Is(err, queue.ErrJobActive) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if errors.Is(err, queue.ErrJobActive) {
		s.writeError(w, http.StatusConflict, "task is running")
		return
	}

	err = s.cfg.Tasks.DeleteTask(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "task is running")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.cfg.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !task.ReportKey.Valid {
		s.writeError(w, http.StatusNotFound, "task has no report")
		return
	}

	data, err := s.cfg.Reports.Download(r.Context(), task.ReportKey.String)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, errkind.Wrap(errkind.UpstreamUnavailable, "fetching report", err).Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+task.ReportFilename.String+`"`)
	w.Write(data)
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	include := r.URL.Query().Get("includeTombstoned") == "true"
	apps, err := s.cfg.Tasks.ListApps(r.Context(), include)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.cfg.Tasks.GetApp(r.Context(), chi.URLParam(r, "appID"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, app)
}

func (s *Server) queueCounts(w http.ResponseWriter, r *http.Request) {
	wait, active, delayed, err := s.cfg.Queue.Counts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveQueue(wait, active, delayed)
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"wait": wait, "active": active, "delayed": delayed})
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Queue.Pause(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"queue": "paused"})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Queue.Resume(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"queue": "resumed"})
}

func (s *Server) triggerAppSync(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sync == nil {
		s.writeError(w, http.StatusNotFound, "sync is not configured")
		return
	}
	if err := s.cfg.Sync.SyncApps(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"sync": "apps done"})
}

func (s *Server) triggerProfileSync(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sync == nil {
		s.writeError(w, http.StatusNotFound, "sync is not configured")
		return
	}
	if err := s.cfg.Sync.SyncProfiles(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"sync": "profiles done"})
}
