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

// Package runner supervises a single downloader child process: it spawns
// the command in the job's output directory, merges stdout and stderr
// into a line stream in arrival order, and terminates the child with
// SIGTERM (then SIGKILL after a grace period) when the context is
// cancelled.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"lowtide/internal/metrics"
)

const (
	// maxLineBytes caps a single captured line; longer output is split.
	maxLineBytes = 64 * 1024

	// killGrace is how long the child gets after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
)

// Termination reasons reported in Result.
const (
	ReasonNormal      = "normal"
	ReasonCancelled   = "cancelled"
	ReasonSpawnFailed = "spawn_failed"
)

// Options configures a single run.
type Options struct {
	// Args is the full argv; Args[0] is the executable. Must be non-empty.
	Args []string
	// Dir is the working directory for the child (the job's output dir).
	Dir string
	// JobID is exported to the child as LOWTIDE_JOB_ID.
	JobID int64
	// OnPID is called once after a successful spawn. May be nil.
	OnPID func(pid int)
	// OnLine receives each captured line, newline stripped, in arrival
	// order across both pipes. May be nil.
	OnLine func(line string)
	// Logger may be nil to suppress logging.
	Logger *log.Logger
}

// Result describes how the child terminated.
type Result struct {
	// Reason is one of ReasonNormal, ReasonCancelled, ReasonSpawnFailed.
	Reason string
	// ExitCode is the child's exit code. -1 when the child never ran or
	// was killed by a signal before exiting.
	ExitCode int
	// Err carries the spawn error for ReasonSpawnFailed, nil otherwise.
	Err error
}

// Run spawns the child and blocks until it exits and both pipes are
// drained. Cancelling ctx sends SIGTERM, then SIGKILL after the grace
// period. After a successful spawn the command line is echoed as the
// first captured line; spawn failures emit no lines.
func Run(ctx context.Context, opts Options) Result {
	if len(opts.Args) == 0 {
		return Result{Reason: ReasonSpawnFailed, ExitCode: -1, Err: errors.New("empty command")}
	}

	sink := &lineSink{emit: opts.OnLine}

	cmd := exec.CommandContext(ctx, opts.Args[0], opts.Args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("LOWTIDE_JOB_ID=%d", opts.JobID))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Reason: ReasonSpawnFailed, ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Reason: ReasonSpawnFailed, ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Reason: ReasonSpawnFailed, ExitCode: -1, Err: fmt.Errorf("start %s: %w", opts.Args[0], err)}
	}
	if opts.OnPID != nil {
		opts.OnPID(cmd.Process.Pid)
	}
	if opts.Logger != nil {
		opts.Logger.Printf("job %d: started pid %d", opts.JobID, cmd.Process.Pid)
	}

	// Echoed after OnPID so the line stream starts only once the caller
	// has recorded the spawn. Still the first line: the pipes are not
	// drained yet.
	sink.line("$ " + strings.Join(opts.Args, " "))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sink.drain(stdout)
	}()
	go func() {
		defer wg.Done()
		sink.drain(stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		if opts.Logger != nil {
			opts.Logger.Printf("job %d: cancelled", opts.JobID)
		}
		return Result{Reason: ReasonCancelled, ExitCode: exitCode(cmd)}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			// Pipe copy failure or similar; the child still ran.
			if opts.Logger != nil {
				opts.Logger.Printf("job %d: wait: %v", opts.JobID, waitErr)
			}
		}
	}
	return Result{Reason: ReasonNormal, ExitCode: exitCode(cmd)}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// lineSink serializes line emission across both pipes.
type lineSink struct {
	mu   sync.Mutex
	emit func(string)
}

func (s *lineSink) line(text string) {
	text = strings.TrimRight(text, "\r")
	text = strings.ToValidUTF8(text, "�")
	metrics.IncLogLines(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emit != nil {
		s.emit(text)
	}
}

// drain reads r until EOF, emitting a line per newline. Lines longer
// than maxLineBytes are split; a trailing fragment without a newline is
// emitted as its own line.
func (s *lineSink) drain(r io.Reader) {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			text := string(chunk)
			text = strings.TrimSuffix(text, "\n")
			if err == nil || err == io.EOF || errors.Is(err, bufio.ErrBufferFull) {
				s.line(text)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return
		}
	}
}
