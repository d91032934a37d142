// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api is the HTTP and WebSocket surface: REST endpoints over the
// store plus the /ws/state push channel that relays broker events as
// JSON frames. Handlers mutate the store, then nudge the scheduler.
package api

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lowtide/internal/broker"
	"lowtide/internal/config"
	"lowtide/internal/metrics"
	"lowtide/internal/store"
	"lowtide/pkg/models"
)

// JobStore defines the persistence methods the API needs. The store
// implementation (internal/store.Store) satisfies this interface.
type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, opts store.ListOptions) ([]models.Job, error)
	ResetJobForRetry(ctx context.Context, id int64) error
	ArchiveJob(ctx context.Context, id int64) error
	ArchiveFinishedJobs(ctx context.Context) (int64, error)
	MarkJobCleaned(ctx context.Context, id int64) error
	DeleteJob(ctx context.Context, id int64) error
	ListJobFiles(ctx context.Context, jobID int64) ([]models.JobFile, error)
	GetJobFileByID(ctx context.Context, id int64) (*models.JobFile, error)
}

// Scheduler is the signalling surface the API needs.
type Scheduler interface {
	Wake()
	Cancel(jobID int64) bool
}

// API is the HTTP layer.
type API struct {
	Store  JobStore
	Config *config.Config
	Broker *broker.Broker
	Sched  Scheduler

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger

	// instanceID identifies this process in WebSocket hello frames so
	// clients can detect restarts and re-hydrate.
	instanceID string
	upgrader   websocket.Upgrader
}

// New constructs an API with its required dependencies.
func New(st JobStore, cfg *config.Config, b *broker.Broker, sched Scheduler, logger *log.Logger) *API {
	return &API{
		Store:      st,
		Config:     cfg,
		Broker:     b,
		Sched:      sched,
		Logger:     logger,
		instanceID: uuid.NewString(),
		upgrader: websocket.Upgrader{
			// Single-user self-hosted service; origin checks would only
			// break reverse-proxy setups.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", a.jobsHandler)
	mux.HandleFunc("/api/jobs/", a.jobByIDHandler)
	mux.HandleFunc("/api/apps", a.appsHandler)
	mux.HandleFunc("/thumbnails/", a.thumbnailHandler)
	mux.HandleFunc("/ws/state", a.websocketHandler)
	mux.HandleFunc("/healthz", a.healthHandler)
	mux.Handle("/metrics", metrics.Handler())
}

// --------------- Models ---------------

// CreateJobsResponse is returned for POST /api/jobs.
type CreateJobsResponse struct {
	IDs []int64 `json:"ids"`
}

// AppDTO is one entry of GET /api/apps.
type AppDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error string `json:"error"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// --------------- Routing ---------------

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListJobs(w, r)
	case http.MethodPost:
		a.handleCreateJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")

	if rest == "clear" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.handleClearJobs(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.handleGetJob(w, r, id)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		a.handleJobLogs(w, r, id)
	case len(parts) == 2 && parts[1] == "zip" && r.Method == http.MethodGet:
		a.handleJobZip(w, r, id)
	case len(parts) == 3 && parts[1] == "files" && r.Method == http.MethodGet:
		fid, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || fid <= 0 {
			writeError(w, http.StatusBadRequest, "invalid file id")
			return
		}
		a.handleJobFile(w, r, id, fid)
	case len(parts) == 2 && r.Method == http.MethodPost:
		switch parts[1] {
		case "retry":
			a.handleRetryJob(w, r, id)
		case "cancel":
			a.handleCancelJob(w, r, id)
		case "archive":
			a.handleArchiveJob(w, r, id)
		case "cleanup":
			a.handleCleanupJob(w, r, id)
		case "delete":
			a.handleDeleteJob(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// --------------- GET /api/jobs ---------------

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{}
	if s := r.URL.Query().Get("status"); s != "" {
		opts.Status = models.JobStatus(s)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %s", s))
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if r.URL.Query().Get("archived") == "true" {
		opts.IncludeArchived = true
	}

	jobs, err := a.Store.ListJobs(r.Context(), opts)
	if err != nil {
		a.logf("list jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// --------------- POST /api/jobs ---------------

func (a *API) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	appID := strings.TrimSpace(r.FormValue("app_id"))
	if appID == "" {
		appID = config.AppIDAuto
	}
	urls := strings.Fields(r.FormValue("urls"))
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "no urls provided")
		return
	}

	// Resolve and validate everything before inserting anything: a bad
	// entry fails the whole request with no rows created.
	type pending struct {
		app *config.App
		url string
	}
	batch := make([]pending, 0, len(urls))
	for _, raw := range urls {
		app := a.Config.GetApp(appID)
		if appID == config.AppIDAuto {
			app = a.Config.MatchAppForURL(raw)
			if app == nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("no app matches url: %s", raw))
				return
			}
		} else if app == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown app id: %s", appID))
			return
		}
		canonical := raw
		if app.StripTrailingSlash {
			canonical = strings.TrimSuffix(canonical, "/")
		}
		batch = append(batch, pending{app: app, url: canonical})
	}

	ids := make([]int64, 0, len(batch))
	for i, p := range batch {
		job := models.NewJob(p.app.ID, p.url, urls[i], models.DeriveTitle(p.url))
		id, err := a.Store.InsertJob(ctx, &job)
		if err != nil {
			a.logf("insert job for %s: %v", p.url, err)
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}
		ids = append(ids, id)
		a.publishSnapshot(ctx, id)
	}

	a.Sched.Wake()
	writeJSON(w, http.StatusOK, CreateJobsResponse{IDs: ids})
}

// --------------- GET /api/jobs/{id} ---------------

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id int64) {
	job, ok := a.loadJob(w, r.Context(), id)
	if !ok {
		return
	}
	files, err := a.Store.ListJobFiles(r.Context(), id)
	if err != nil {
		a.logf("list files for job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load job files")
		return
	}
	job.Files = files
	writeJSON(w, http.StatusOK, job)
}

// --------------- GET /api/jobs/{id}/logs ---------------

func (a *API) handleJobLogs(w http.ResponseWriter, r *http.Request, id int64) {
	job, ok := a.loadJob(w, r.Context(), id)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, job.Logs)
}

// --------------- POST /api/jobs/{id}/retry ---------------

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	job, ok := a.loadJob(w, ctx, id)
	if !ok {
		return
	}
	if job.Status == models.JobStatusRunning {
		writeError(w, http.StatusConflict, "job is currently running")
		return
	}
	if err := a.Store.ResetJobForRetry(ctx, id); err != nil {
		a.logf("retry job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to reset job")
		return
	}
	a.publishSnapshot(ctx, id)
	a.Sched.Wake()
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- POST /api/jobs/{id}/cancel ---------------

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request, id int64) {
	if _, ok := a.loadJob(w, r.Context(), id); !ok {
		return
	}
	// No-op unless this is the running job; queued jobs are not
	// cancellable, only archivable or deletable.
	a.Sched.Cancel(id)
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- POST /api/jobs/{id}/archive ---------------

func (a *API) handleArchiveJob(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	if err := a.Store.ArchiveJob(ctx, id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %d", id))
			return
		}
		a.logf("archive job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to archive job")
		return
	}
	a.publishSnapshot(ctx, id)
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- POST /api/jobs/clear ---------------

func (a *API) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.ArchiveFinishedJobs(r.Context())
	if err != nil {
		a.logf("clear jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to archive jobs")
		return
	}
	if n > 0 {
		a.Broker.PublishJobsArchived()
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- POST /api/jobs/{id}/cleanup ---------------

func (a *API) handleCleanupJob(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	job, ok := a.loadJob(w, ctx, id)
	if !ok {
		return
	}
	if job.Status == models.JobStatusCleaned {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	// Only finished jobs may be cleaned: a running child still writes to
	// the directory, and a queued job has not produced anything yet.
	if !job.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job has not finished")
		return
	}
	if err := os.RemoveAll(a.Config.JobDir(id)); err != nil {
		a.logf("cleanup job %d: remove dir: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete job files")
		return
	}
	if err := a.Store.MarkJobCleaned(ctx, id); err != nil {
		a.logf("cleanup job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to mark job cleaned")
		return
	}
	a.publishSnapshot(ctx, id)
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- POST /api/jobs/{id}/delete ---------------

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	job, ok := a.loadJob(w, ctx, id)
	if !ok {
		return
	}
	if job.Status == models.JobStatusRunning {
		writeError(w, http.StatusConflict, "job is currently running")
		return
	}
	if err := os.RemoveAll(a.Config.JobDir(id)); err != nil {
		a.logf("delete job %d: remove dir: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete job files")
		return
	}
	if err := a.Store.DeleteJob(ctx, id); err != nil && !isNotFound(err) {
		a.logf("delete job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// --------------- GET /api/jobs/{id}/files/{fid} ---------------

func (a *API) handleJobFile(w http.ResponseWriter, r *http.Request, id, fid int64) {
	f, err := a.Store.GetJobFileByID(r.Context(), fid)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("file not found: %d", fid))
			return
		}
		a.logf("get file %d: %v", fid, err)
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return
	}
	if f.JobID != id {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file not found: %d", fid))
		return
	}
	abs, err := a.resolveJobFile(id, f.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found on disk")
		return
	}
	http.ServeFile(w, r, abs)
}

// resolveJobFile joins a stored relative path against the job dir and
// rejects anything that escapes it.
func (a *API) resolveJobFile(jobID int64, relPath string) (string, error) {
	dir := a.Config.JobDir(jobID)
	abs := filepath.Join(dir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes job directory: %s", relPath)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// --------------- GET /api/jobs/{id}/zip ---------------

func (a *API) handleJobZip(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	if _, ok := a.loadJob(w, ctx, id); !ok {
		return
	}
	files, err := a.Store.ListJobFiles(ctx, id)
	if err != nil {
		a.logf("zip job %d: list files: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load job files")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%d.zip"`, id))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, f := range files {
		abs, err := a.resolveJobFile(id, f.Path)
		if err != nil {
			// Deleted from disk since recording; skip rather than abort
			// a half-written stream.
			a.logf("zip job %d: skip %s: %v", id, f.Path, err)
			continue
		}
		src, err := os.Open(abs)
		if err != nil {
			a.logf("zip job %d: open %s: %v", id, f.Path, err)
			continue
		}
		dst, err := zw.Create(f.Path)
		if err != nil {
			_ = src.Close()
			a.logf("zip job %d: entry %s: %v", id, f.Path, err)
			break
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		if err != nil {
			a.logf("zip job %d: copy %s: %v", id, f.Path, err)
			break
		}
	}
	if err := zw.Close(); err != nil {
		a.logf("zip job %d: close: %v", id, err)
	}
}

// --------------- GET /thumbnails/{id} ---------------

func (a *API) thumbnailHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/thumbnails/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := a.loadJob(w, r.Context(), id)
	if !ok {
		return
	}
	if job.ImagePath == nil {
		writeError(w, http.StatusNotFound, "no thumbnail for job")
		return
	}
	abs := filepath.Join(a.Config.DataRoot, filepath.FromSlash(*job.ImagePath))
	if _, err := os.Stat(abs); err != nil {
		writeError(w, http.StatusNotFound, "thumbnail missing on disk")
		return
	}
	http.ServeFile(w, r, abs)
}

// --------------- GET /api/apps ---------------

func (a *API) appsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	apps := make([]AppDTO, 0, len(a.Config.Apps))
	for _, app := range a.Config.Apps {
		apps = append(apps, AppDTO{ID: app.ID, Name: app.Name})
	}
	writeJSON(w, http.StatusOK, apps)
}

// --------------- GET /healthz ---------------

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --------------- GET /ws/state ---------------

// helloFrame is the first frame on every WebSocket connection.
type helloFrame struct {
	Type             string `json:"type"`
	ServerInstanceID string `json:"server_instance_id"`
}

const wsWriteTimeout = 10 * time.Second

func (a *API) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		a.logf("websocket upgrade: %v", err)
		return
	}
	metrics.AddWebSocketClients(1)
	defer metrics.AddWebSocketClients(-1)
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(helloFrame{Type: "hello", ServerInstanceID: a.instanceID}); err != nil {
		return
	}

	sub := a.Broker.Subscribe()
	defer a.Broker.Unsubscribe(sub)

	// Reader: discard client messages, unblock the writer on disconnect.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// --------------- Helpers ---------------

// loadJob fetches a job or writes the error response, returning ok=false.
func (a *API) loadJob(w http.ResponseWriter, ctx context.Context, id int64) (*models.Job, bool) {
	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %d", id))
			return nil, false
		}
		a.logf("get job %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}

// publishSnapshot loads the job with files and broadcasts it.
func (a *API) publishSnapshot(ctx context.Context, id int64) {
	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		a.logf("snapshot job %d: %v", id, err)
		return
	}
	files, err := a.Store.ListJobFiles(ctx, id)
	if err != nil {
		a.logf("snapshot job %d files: %v", id, err)
	}
	job.Files = files
	a.Broker.PublishSnapshot(job)
}
