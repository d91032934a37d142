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

// Package scheduler serializes job execution: one job runs at a time,
// picked FIFO from the queued rows. For each job it supervises the
// child process, feeds the file watcher's observations into the store,
// classifies the outcome, and publishes snapshots and log lines through
// the broker.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"lowtide/internal/broker"
	"lowtide/internal/config"
	"lowtide/internal/metrics"
	"lowtide/internal/runner"
	"lowtide/internal/watcher"
	"lowtide/pkg/models"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	NextQueuedJob(ctx context.Context) (*models.Job, error)
	MarkJobRunning(ctx context.Context, id int64, startedAt time.Time) error
	SetJobPID(ctx context.Context, id int64, pid int) error
	MarkJobSuccess(ctx context.Context, id int64, finishedAt time.Time, exitCode int, logs string) error
	MarkJobFailed(ctx context.Context, id int64, finishedAt time.Time, exitCode *int, errMsg, logs string) error
	MarkJobCancelled(ctx context.Context, id int64, finishedAt time.Time, logs string) error
	UpdateJobTitle(ctx context.Context, id int64, title string) error
	UpsertJobFile(ctx context.Context, jobID int64, path string, sizeBytes int64, createdAt time.Time) error
	DeleteJobFileByPath(ctx context.Context, jobID int64, path string) error
	ListJobFiles(ctx context.Context, jobID int64) ([]models.JobFile, error)
}

// Enricher runs after a job succeeds. Implementations must be safe to
// call concurrently with the next job's execution.
type Enricher interface {
	Enrich(ctx context.Context, jobID int64)
}

// Scheduler runs jobs one at a time. Create with New, start with Run.
type Scheduler struct {
	store    Store
	cfg      *config.Config
	broker   *broker.Broker
	enricher Enricher
	logger   *log.Logger

	// now is stubbed in tests.
	now func() time.Time

	// wake has capacity 1: any number of enqueues collapse into one
	// pending drain.
	wake chan struct{}

	mu        sync.Mutex
	runningID int64
	cancelRun context.CancelFunc
}

// New builds a scheduler. enricher and logger may be nil.
func New(st Store, cfg *config.Config, b *broker.Broker, enricher Enricher, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		cfg:      cfg,
		broker:   b,
		enricher: enricher,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler to look at the queue. Never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel requests termination of the given job if it is the one
// currently running. It reports whether a running child was signalled;
// queued jobs are the caller's problem (mark them cancelled directly).
func (s *Scheduler) Cancel(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningID != jobID || s.cancelRun == nil {
		return false
	}
	s.cancelRun()
	return true
}

// RunningJobID returns the id of the job currently executing, or 0.
func (s *Scheduler) RunningJobID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningID
}

// Run drains the queue whenever woken, until ctx is cancelled. It
// drains once on entry to pick up rows that predate this process.
func (s *Scheduler) Run(ctx context.Context) {
	s.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.store.NextQueuedJob(ctx)
		if err != nil {
			// Includes ErrNotFound: nothing queued.
			return
		}
		if !s.runJob(ctx, job) {
			// The job could not be moved out of queued, so picking
			// again would spin on the same row. Wait for the next wake.
			return
		}
	}
}

// jobRun is the mutable state of one execution.
type jobRun struct {
	job     *models.Job
	logs    strings.Builder
	logsMu  sync.Mutex
	seq     int64
	started time.Time
}

// appendLine buffers the line and returns its per-run sequence number,
// starting at 1.
func (r *jobRun) appendLine(line string) int64 {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	r.logs.WriteString(line)
	r.logs.WriteByte('\n')
	r.seq++
	return r.seq
}

func (r *jobRun) logText() string {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	return r.logs.String()
}

// runJob executes one job to a terminal state. The false return means
// the row is still queued (every store write for it failed), so the
// caller must stop picking.
func (s *Scheduler) runJob(ctx context.Context, job *models.Job) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			s.logf("job %d: panic: %v", job.ID, p)
			_ = s.store.MarkJobFailed(context.Background(), job.ID, s.now().UTC(), nil,
				fmt.Sprintf("internal error: %v", p), "")
			s.publishSnapshot(job.ID)
			ok = true
		}
	}()

	run := &jobRun{job: job, started: s.now().UTC()}

	app := s.cfg.GetApp(job.AppID)
	if app == nil {
		return s.finishFailed(run, nil, fmt.Sprintf("unknown app: %s", job.AppID))
	}

	outDir := s.cfg.JobDir(job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return s.finishFailed(run, nil, fmt.Sprintf("create output dir: %v", err))
	}

	if err := s.store.MarkJobRunning(ctx, job.ID, run.started); err != nil {
		s.logf("job %d: mark running: %v", job.ID, err)
		return s.finishFailed(run, nil, err.Error())
	}
	metrics.IncJobStarted()
	s.logf("job %d: running %s for %s", job.ID, app.ID, job.URL)

	w, err := watcher.New(outDir,
		func(rel string, size int64, mod time.Time) {
			if err := s.store.UpsertJobFile(context.Background(), job.ID, rel, size, mod); err != nil {
				s.logf("job %d: record file %s: %v", job.ID, rel, err)
				return
			}
			s.publishSnapshot(job.ID)
		},
		func(rel string) {
			if err := s.store.DeleteJobFileByPath(context.Background(), job.ID, rel); err != nil {
				s.logf("job %d: drop file %s: %v", job.ID, rel, err)
				return
			}
			s.publishSnapshot(job.ID)
		},
		s.logger)
	if err != nil {
		// Run without live file tracking rather than failing the job.
		s.logf("job %d: watcher: %v", job.ID, err)
		w = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runningID = job.ID
	s.cancelRun = cancel
	s.mu.Unlock()

	res := runner.Run(runCtx, runner.Options{
		Args:  app.BuildArgs(job.URL, outDir),
		Dir:   outDir,
		JobID: job.ID,
		OnPID: func(pid int) {
			if err := s.store.SetJobPID(context.Background(), job.ID, pid); err != nil {
				s.logf("job %d: set pid: %v", job.ID, err)
			}
			// First running snapshot: published only once the pid is
			// committed, and ahead of any log line.
			s.publishSnapshot(job.ID)
		},
		OnLine: func(line string) {
			seq := run.appendLine(line)
			s.broker.PublishLogLine(job.ID, seq, line)
		},
		Logger: s.logger,
	})

	s.mu.Lock()
	s.runningID = 0
	s.cancelRun = nil
	s.mu.Unlock()
	cancel()

	// Settle file sizes before classification; success depends on them.
	if w != nil {
		w.Stop()
	}

	switch res.Reason {
	case runner.ReasonSpawnFailed:
		s.finishFailed(run, nil, fmt.Sprintf("spawn failed: %v", res.Err))
	case runner.ReasonCancelled:
		s.finishCancelled(run)
	default:
		if res.ExitCode != 0 {
			code := res.ExitCode
			s.finishFailed(run, &code, fmt.Sprintf("exit code %d", code))
			return true
		}
		files, err := s.store.ListJobFiles(context.Background(), job.ID)
		if err != nil {
			s.logf("job %d: list files: %v", job.ID, err)
		}
		s.finishSuccess(run, files)
	}
	return true
}

func (s *Scheduler) finishSuccess(run *jobRun, files []models.JobFile) {
	ctx := context.Background()
	finished := s.now().UTC()
	if err := s.store.MarkJobSuccess(ctx, run.job.ID, finished, 0, run.logText()); err != nil {
		s.logf("job %d: mark success: %v", run.job.ID, err)
	}
	s.maybeTitleFromFilename(run.job, files)
	metrics.ObserveJobFinished(models.JobStatusSuccess.String(), finished.Sub(run.started))
	s.publishSnapshot(run.job.ID)
	s.logf("job %d: success, %d files", run.job.ID, len(files))

	if s.enricher != nil {
		// Enrichment must not delay the next queued job.
		go s.enricher.Enrich(context.Background(), run.job.ID)
	}
}

// finishFailed marks the job failed and reports whether the terminal
// write stuck.
func (s *Scheduler) finishFailed(run *jobRun, exitCode *int, errMsg string) bool {
	finished := s.now().UTC()
	markErr := s.store.MarkJobFailed(context.Background(), run.job.ID, finished, exitCode, errMsg, run.logText())
	if markErr != nil {
		s.logf("job %d: mark failed: %v", run.job.ID, markErr)
	}
	metrics.ObserveJobFinished(models.JobStatusFailed.String(), finished.Sub(run.started))
	s.publishSnapshot(run.job.ID)
	s.logf("job %d: failed: %s", run.job.ID, errMsg)
	return markErr == nil
}

func (s *Scheduler) finishCancelled(run *jobRun) {
	finished := s.now().UTC()
	if err := s.store.MarkJobCancelled(context.Background(), run.job.ID, finished, run.logText()); err != nil {
		s.logf("job %d: mark cancelled: %v", run.job.ID, err)
	}
	metrics.ObserveJobFinished(models.JobStatusCancelled.String(), finished.Sub(run.started))
	s.publishSnapshot(run.job.ID)
	s.logf("job %d: cancelled", run.job.ID)
}

// maybeTitleFromFilename replaces a URL-looking title with the single
// artifact's base name. Downloaders usually name output after the real
// content title.
func (s *Scheduler) maybeTitleFromFilename(job *models.Job, files []models.JobFile) {
	if len(files) != 1 {
		return
	}
	title := job.Title
	looksLikeURL := title == "" || strings.Contains(title, "http") || strings.Contains(title, "www.")
	if !looksLikeURL {
		return
	}
	base := path.Base(files[0].Path)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		return
	}
	if err := s.store.UpdateJobTitle(context.Background(), job.ID, base); err != nil {
		s.logf("job %d: update title: %v", job.ID, err)
	}
}

// publishSnapshot loads the job with its files and broadcasts it. The
// store write always happens before the matching snapshot goes out.
func (s *Scheduler) publishSnapshot(jobID int64) {
	ctx := context.Background()
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logf("job %d: snapshot load: %v", jobID, err)
		return
	}
	files, err := s.store.ListJobFiles(ctx, jobID)
	if err != nil {
		s.logf("job %d: snapshot files: %v", jobID, err)
	}
	job.Files = files
	s.broker.PublishSnapshot(job)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
