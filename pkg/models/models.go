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

// Package models contains the shared data types for jobs and their
// artifacts. These types mirror the rows the store persists and the
// snapshots the broker publishes to WebSocket clients.
package models

import (
	"net/url"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a download job.
// Allowed transitions: queued → running → {success|failed|cancelled},
// any terminal state → cleaned (cleanup), cleaned/terminal → queued (retry).
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusCleaned   JobStatus = "cleaned"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusCancelled, JobStatusCleaned:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state
// (success, failed, cancelled, or cleaned).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled, JobStatusCleaned:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// Job represents a single URL download request and its lifecycle.
// Logs is only populated at terminal transitions; while the job runs
// the live log stream flows through the broker instead.
type Job struct {
	ID           int64      `json:"id" db:"id"`
	AppID        string     `json:"app_id" db:"app_id"`
	URL          string     `json:"url" db:"url"`
	OriginalURL  string     `json:"original_url" db:"original_url"`
	Title        string     `json:"title" db:"title"`
	ImagePath    *string    `json:"image_path,omitempty" db:"image_path"`
	Status       JobStatus  `json:"status" db:"status"`
	PID          *int       `json:"pid,omitempty" db:"pid"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Archived     bool       `json:"archived" db:"archived"`
	Logs         string     `json:"logs,omitempty" db:"logs"`

	// Files is populated on snapshots and single-job reads; it is not a
	// column of the jobs table.
	Files []JobFile `json:"files,omitempty"`
}

// JobFile is an artifact produced into a job's output directory.
// Path is relative to the job's output directory, forward slashes only.
type JobFile struct {
	ID        int64     `json:"id" db:"id"`
	JobID     int64     `json:"job_id" db:"job_id"`
	Path      string    `json:"path" db:"path"`
	SizeBytes int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewJob constructs a Job in the queued state. The store assigns the ID
// on insert. Title starts as a host+path derivation of the URL and may
// be enriched after a successful run.
func NewJob(appID, url, originalURL, title string) Job {
	return Job{
		AppID:       appID,
		URL:         url,
		OriginalURL: originalURL,
		Title:       title,
		Status:      JobStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithoutLogs returns a shallow copy of the job with the Logs field
// cleared. List endpoints and snapshots use this to keep payloads small.
func (j Job) WithoutLogs() Job {
	j.Logs = ""
	return j
}

// DeriveTitle produces the initial job title from a URL: host plus path,
// no scheme or query. Enrichment later replaces it with the page title
// when one can be fetched.
func DeriveTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	title := u.Host + u.Path
	return strings.TrimSuffix(title, "/")
}
