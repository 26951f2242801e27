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
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dstack-tee/dstack-verifier/pkg/store"
)

var pageTpl = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>dstack verification — {{.Title}}</title>
</head>
<body>
<main data-app-id="{{.AppID}}"{{if .TaskID}} data-task-id="{{.TaskID}}"{{end}}>
<h1>{{.Title}}</h1>
<p>Verification evidence for application <code>{{.AppID}}</code>.</p>
{{if .ReportURL}}<p><a href="{{.ReportURL}}">Download report</a></p>{{end}}
</main>
</body>
</html>
`))

type pageData struct {
	Title     string
	AppID     string
	TaskID    string
	ReportURL string
}

// appPage serves the verification overview for one app. Pages deny framing;
// only the widget route is embeddable.
func (s *Server) appPage(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app, err := s.cfg.Tasks.GetApp(r.Context(), appID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.renderPage(w, false, pageData{Title: "Application " + app.ID, AppID: app.ID})
}

func (s *Server) taskPage(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	task, ok := s.pageTask(w, r)
	if !ok {
		return
	}
	s.renderPage(w, false, pageData{
		Title:     "Verification " + task.ID.String(),
		AppID:     appID,
		TaskID:    task.ID.String(),
		ReportURL: "/api/v1/tasks/" + task.ID.String() + "/report",
	})
}

// widgetPage is the embeddable variant of the task page.
func (s *Server) widgetPage(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	task, ok := s.pageTask(w, r)
	if !ok {
		return
	}
	s.renderPage(w, true, pageData{
		Title:     "Verification " + task.ID.String(),
		AppID:     appID,
		TaskID:    task.ID.String(),
		ReportURL: "/api/v1/tasks/" + task.ID.String() + "/report",
	})
}

func (s *Server) pageTask(w http.ResponseWriter, r *http.Request) (*store.VerificationTask, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	task, err := s.cfg.Tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return task, true
}

func (s *Server) renderPage(w http.ResponseWriter, embeddable bool, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if embeddable {
		w.Header().Set("Content-Security-Policy", "frame-ancestors *")
	} else {
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
	}
	if err := pageTpl.Execute(w, data); err != nil {
		s.logger.Error(err, "rendering page")
	}
}
