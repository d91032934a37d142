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

package models

import "testing"

func TestJobStatusValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed, JobStatusCancelled, JobStatusCleaned} {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	if JobStatus("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusSuccess:   true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
		JobStatusCleaned:   true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestNewJob(t *testing.T) {
	j := NewJob("ytdlp", "https://example.com/v", "https://example.com/v/", "example.com/v")
	if j.Status != JobStatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.ID != 0 {
		t.Error("id assigned before insert")
	}
	if j.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
	if j.OriginalURL != "https://example.com/v/" {
		t.Errorf("original_url = %q", j.OriginalURL)
	}
}

func TestWithoutLogs(t *testing.T) {
	j := Job{ID: 1, Logs: "big buffer"}
	stripped := j.WithoutLogs()
	if stripped.Logs != "" {
		t.Error("logs survived")
	}
	if j.Logs != "big buffer" {
		t.Error("original mutated")
	}
	if stripped.ID != 1 {
		t.Error("other fields lost")
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://example.com/videos/42", "example.com/videos/42"},
		{"https://example.com/videos/42?t=9#frag", "example.com/videos/42"},
		{"https://example.com/", "example.com"},
		{"http://example.com", "example.com"},
		{"not a url at all", "not a url at all"},
		{"/relative/only", "/relative/only"},
	}
	for _, tc := range cases {
		if got := DeriveTitle(tc.url); got != tc.want {
			t.Errorf("DeriveTitle(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
