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

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lowtide/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func insertTestJob(t *testing.T, s *Store, url string) *models.Job {
	t.Helper()
	j := models.NewJob("ytdlp", url, url, "example.com/video")
	if _, err := s.InsertJob(context.Background(), &j); err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}
	return &j
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)

	v, err := s.getSchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("getSchemaVersion() error = %v", err)
	}
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}

	// Reopening must be a no-op.
	if err := s.migrate(context.Background()); err != nil {
		t.Errorf("second migrate() error = %v", err)
	}
}

func TestInsertAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if j.ID == 0 {
		t.Fatal("InsertJob() did not assign an id")
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.URL != "https://example.com/video" {
		t.Errorf("url = %s", got.URL)
	}
	if got.PID != nil || got.ExitCode != nil || got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("new job has non-nil nullable fields")
	}

	if _, err := s.GetJob(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestJobIDsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertTestJob(t, s, "https://example.com/a")
	b := insertTestJob(t, s, "https://example.com/b")
	if b.ID <= a.ID {
		t.Errorf("ids not monotonic: %d then %d", a.ID, b.ID)
	}

	// Deleting the newest row must not allow id reuse (AUTOINCREMENT).
	if err := s.DeleteJob(ctx, b.ID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	c := insertTestJob(t, s, "https://example.com/c")
	if c.ID <= b.ID {
		t.Errorf("id %d reused after deleting %d", c.ID, b.ID)
	}
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := insertTestJob(t, s, "https://example.com/1")
	j2 := insertTestJob(t, s, "https://example.com/2")
	j3 := insertTestJob(t, s, "https://example.com/3")

	if err := s.MarkJobRunning(ctx, j2.ID, time.Now()); err != nil {
		t.Fatalf("MarkJobRunning() error = %v", err)
	}

	all, err := s.ListJobs(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != j3.ID || all[2].ID != j1.ID {
		t.Errorf("order = [%d %d %d], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}
	for _, j := range all {
		if j.Logs != "" {
			t.Error("ListJobs returned logs")
		}
	}

	running, err := s.ListJobs(ctx, ListOptions{Status: models.JobStatusRunning})
	if err != nil {
		t.Fatalf("ListJobs(running) error = %v", err)
	}
	if len(running) != 1 || running[0].ID != j2.ID {
		t.Errorf("running filter returned %d rows", len(running))
	}

	limited, err := s.ListJobs(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d rows", len(limited))
	}

	if _, err := s.ListJobs(ctx, ListOptions{Status: "bogus"}); err == nil {
		t.Error("invalid status filter did not error")
	}
}

func TestListJobsExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := insertTestJob(t, s, "https://example.com/1")
	insertTestJob(t, s, "https://example.com/2")

	if err := s.MarkJobSuccess(ctx, j1.ID, time.Now(), 0, "done"); err != nil {
		t.Fatalf("MarkJobSuccess() error = %v", err)
	}
	if err := s.ArchiveJob(ctx, j1.ID); err != nil {
		t.Fatalf("ArchiveJob() error = %v", err)
	}

	visible, err := s.ListJobs(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(visible) != 1 {
		t.Errorf("visible = %d, want 1", len(visible))
	}

	all, err := s.ListJobs(ctx, ListOptions{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListJobs(archived) error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("with archived = %d, want 2", len(all))
	}
}

func TestNextQueuedJobFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.NextQueuedJob(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty queue error = %v, want ErrNotFound", err)
	}

	j1 := insertTestJob(t, s, "https://example.com/1")
	j2 := insertTestJob(t, s, "https://example.com/2")

	next, err := s.NextQueuedJob(ctx)
	if err != nil {
		t.Fatalf("NextQueuedJob() error = %v", err)
	}
	if next.ID != j1.ID {
		t.Errorf("next = %d, want smallest id %d", next.ID, j1.ID)
	}

	if err := s.MarkJobRunning(ctx, j1.ID, time.Now()); err != nil {
		t.Fatalf("MarkJobRunning() error = %v", err)
	}
	next, err = s.NextQueuedJob(ctx)
	if err != nil {
		t.Fatalf("NextQueuedJob() error = %v", err)
	}
	if next.ID != j2.ID {
		t.Errorf("next = %d, want %d", next.ID, j2.ID)
	}
}

func TestNextQueuedJobSkipsArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := insertTestJob(t, s, "https://example.com/1")
	j2 := insertTestJob(t, s, "https://example.com/2")

	if err := s.ArchiveJob(ctx, j1.ID); err != nil {
		t.Fatalf("ArchiveJob() error = %v", err)
	}

	next, err := s.NextQueuedJob(ctx)
	if err != nil {
		t.Fatalf("NextQueuedJob() error = %v", err)
	}
	if next.ID != j2.ID {
		t.Errorf("next = %d, want unarchived %d", next.ID, j2.ID)
	}

	if err := s.ArchiveJob(ctx, j2.ID); err != nil {
		t.Fatalf("ArchiveJob() error = %v", err)
	}
	if _, err := s.NextQueuedJob(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("all archived error = %v, want ErrNotFound", err)
	}
}

func TestJobLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	started := time.Now().UTC().Truncate(time.Second)

	if err := s.MarkJobRunning(ctx, j.ID, started); err != nil {
		t.Fatalf("MarkJobRunning() error = %v", err)
	}
	if err := s.SetJobPID(ctx, j.ID, 4242); err != nil {
		t.Fatalf("SetJobPID() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.PID == nil || *got.PID != 4242 {
		t.Errorf("pid = %v, want 4242", got.PID)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}

	finished := started.Add(3 * time.Second)
	if err := s.MarkJobSuccess(ctx, j.ID, finished, 0, "line1\nline2\n"); err != nil {
		t.Fatalf("MarkJobSuccess() error = %v", err)
	}

	got, err = s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.PID != nil {
		t.Error("pid not cleared on terminal transition")
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", got.ExitCode)
	}
	if got.Logs != "line1\nline2\n" {
		t.Errorf("logs = %q", got.Logs)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finished)
	}
}

func TestMarkJobFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if err := s.MarkJobRunning(ctx, j.ID, time.Now()); err != nil {
		t.Fatalf("MarkJobRunning() error = %v", err)
	}

	code := 1
	if err := s.MarkJobFailed(ctx, j.ID, time.Now(), &code, "exit status 1", "boom\n"); err != nil {
		t.Fatalf("MarkJobFailed() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "exit status 1" {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit_code = %v, want 1", got.ExitCode)
	}
}

func TestMarkJobFailedNilExitCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if err := s.MarkJobFailed(ctx, j.ID, time.Now(), nil, "spawn failed: no such file", ""); err != nil {
		t.Fatalf("MarkJobFailed() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ExitCode != nil {
		t.Errorf("exit_code = %v, want nil", got.ExitCode)
	}
}

func TestResetJobForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	code := 1
	if err := s.MarkJobFailed(ctx, j.ID, time.Now(), &code, "exit status 1", "some logs"); err != nil {
		t.Fatalf("MarkJobFailed() error = %v", err)
	}
	if err := s.ArchiveJob(ctx, j.ID); err != nil {
		t.Fatalf("ArchiveJob() error = %v", err)
	}
	if err := s.UpsertJobFile(ctx, j.ID, "partial.mp4", 12, time.Now()); err != nil {
		t.Fatalf("UpsertJobFile() error = %v", err)
	}

	if err := s.ResetJobForRetry(ctx, j.ID); err != nil {
		t.Fatalf("ResetJobForRetry() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.ExitCode != nil || got.ErrorMessage != nil || got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("retry did not clear run fields")
	}
	if got.Archived {
		t.Error("retry did not clear archived")
	}
	if got.Logs != "" {
		t.Error("retry did not clear logs")
	}

	files, err := s.ListJobFiles(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListJobFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("retry left %d job_files rows", len(files))
	}

	if err := s.ResetJobForRetry(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResetJobForRetry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestArchiveFinishedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := insertTestJob(t, s, "https://example.com/done")
	failed := insertTestJob(t, s, "https://example.com/failed")
	queued := insertTestJob(t, s, "https://example.com/queued")
	running := insertTestJob(t, s, "https://example.com/running")

	if err := s.MarkJobSuccess(ctx, done.ID, time.Now(), 0, ""); err != nil {
		t.Fatal(err)
	}
	code := 1
	if err := s.MarkJobFailed(ctx, failed.ID, time.Now(), &code, "exit status 1", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobRunning(ctx, running.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := s.ArchiveFinishedJobs(ctx)
	if err != nil {
		t.Fatalf("ArchiveFinishedJobs() error = %v", err)
	}
	if n != 2 {
		t.Errorf("archived %d rows, want 2", n)
	}

	for _, tc := range []struct {
		id   int64
		want bool
	}{
		{done.ID, true},
		{failed.ID, true},
		{queued.ID, false},
		{running.ID, false},
	} {
		got, err := s.GetJob(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetJob(%d) error = %v", tc.id, err)
		}
		if got.Archived != tc.want {
			t.Errorf("job %d archived = %v, want %v", tc.id, got.Archived, tc.want)
		}
	}

	// Second call is a no-op.
	n, err = s.ArchiveFinishedJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass archived %d rows, want 0", n)
	}
}

func TestRecoverRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan := insertTestJob(t, s, "https://example.com/orphan")
	queued := insertTestJob(t, s, "https://example.com/queued")

	if err := s.MarkJobRunning(ctx, orphan.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetJobPID(ctx, orphan.ID, 123); err != nil {
		t.Fatal(err)
	}

	ids, err := s.RecoverRunningJobs(ctx, "server restarted during job")
	if err != nil {
		t.Fatalf("RecoverRunningJobs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != orphan.ID {
		t.Errorf("recovered ids = %v, want [%d]", ids, orphan.ID)
	}

	got, err := s.GetJob(ctx, orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "server restarted during job" {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
	if got.PID != nil {
		t.Error("recovery did not clear pid")
	}

	q, err := s.GetJob(ctx, queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q.Status != models.JobStatusQueued {
		t.Errorf("queued job touched by recovery: %s", q.Status)
	}
}

func TestMarkJobCleaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if err := s.MarkJobSuccess(ctx, j.ID, time.Now(), 0, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertJobFile(ctx, j.ID, "out.mp4", 100, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkJobCleaned(ctx, j.ID); err != nil {
		t.Fatalf("MarkJobCleaned() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusCleaned {
		t.Errorf("status = %s, want cleaned", got.Status)
	}
	files, err := s.ListJobFiles(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("cleanup left %d job_files rows", len(files))
	}
}

func TestTitleAndImagePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if err := s.UpdateJobTitle(ctx, j.ID, "A Proper Title"); err != nil {
		t.Fatalf("UpdateJobTitle() error = %v", err)
	}
	if err := s.UpdateJobImagePath(ctx, j.ID, "thumbnails/1.jpg"); err != nil {
		t.Fatalf("UpdateJobImagePath() error = %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "A Proper Title" {
		t.Errorf("title = %q", got.Title)
	}
	if got.ImagePath == nil || *got.ImagePath != "thumbnails/1.jpg" {
		t.Errorf("image_path = %v", got.ImagePath)
	}
}

func TestJobFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.UpsertJobFile(ctx, j.ID, "video.mp4", 0, now); err != nil {
		t.Fatalf("UpsertJobFile() error = %v", err)
	}
	// Same path again with a grown size must update in place.
	if err := s.UpsertJobFile(ctx, j.ID, "video.mp4", 2048, now); err != nil {
		t.Fatalf("UpsertJobFile() update error = %v", err)
	}
	if err := s.UpsertJobFile(ctx, j.ID, "sub/info.json", 64, now); err != nil {
		t.Fatalf("UpsertJobFile() error = %v", err)
	}

	files, err := s.ListJobFiles(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListJobFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len = %d, want 2", len(files))
	}
	// Ordered by path.
	if files[0].Path != "sub/info.json" || files[1].Path != "video.mp4" {
		t.Errorf("order = [%s %s]", files[0].Path, files[1].Path)
	}
	if files[1].SizeBytes != 2048 {
		t.Errorf("size = %d, want 2048", files[1].SizeBytes)
	}

	exists, err := s.JobFileExists(ctx, j.ID, "video.mp4")
	if err != nil || !exists {
		t.Errorf("JobFileExists() = %v, %v", exists, err)
	}
	exists, err = s.JobFileExists(ctx, j.ID, "missing.mp4")
	if err != nil || exists {
		t.Errorf("JobFileExists(missing) = %v, %v", exists, err)
	}

	byID, err := s.GetJobFileByID(ctx, files[0].ID)
	if err != nil {
		t.Fatalf("GetJobFileByID() error = %v", err)
	}
	if byID.Path != "sub/info.json" {
		t.Errorf("path = %s", byID.Path)
	}
	if _, err := s.GetJobFileByID(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJobFileByID(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteJobFileByPath(ctx, j.ID, "video.mp4"); err != nil {
		t.Fatalf("DeleteJobFileByPath() error = %v", err)
	}
	files, err = s.ListJobFiles(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("len after delete = %d, want 1", len(files))
	}
}

func TestDeleteJobCascadesFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := insertTestJob(t, s, "https://example.com/video")
	if err := s.UpsertJobFile(ctx, j.ID, "out.mp4", 10, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}

	files, err := s.ListJobFiles(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("cascade left %d job_files rows", len(files))
	}

	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteJob(missing) error = %v, want ErrNotFound", err)
	}
}
