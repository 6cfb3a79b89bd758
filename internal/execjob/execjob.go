// Package execjob runs an external command as a job, draining its output
// into the log and terminating it when the job is told to stop.
package execjob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/willfong/workload-generator/internal/engine"
)

// Status is the state of the process as seen by a non-blocking query.
type Status int32

const (
	StatusRunning Status = iota
	StatusExitedSuccess
	StatusExitedFailure
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusExitedSuccess:
		return "EXITED_SUCCESS"
	case StatusExitedFailure:
		return "EXITED_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Config describes the command to run.
type Config struct {
	Command   []string
	Dir       string
	Env       []string
	LogOutput bool
	// Duration terminates the command after it has run this long; zero
	// lets it run to completion.
	Duration time.Duration
	// PollInterval is how often Run checks the process status.
	PollInterval time.Duration
	// KillGrace is how long a terminated process has to exit before it is
	// killed.
	KillGrace time.Duration
}

// Result is the outcome of a finished job.
type Result struct {
	Status     Status
	ExitCode   int
	Terminated bool
	Elapsed    time.Duration
}

// Job is one execution of a command.
type Job struct {
	cfg Config
	log zerolog.Logger

	cmd        *exec.Cmd
	stdout     *lineWriter
	stderr     *lineWriter
	terminate  context.CancelFunc
	terminated atomic.Bool
	started    time.Time

	status   atomic.Int32
	exitCode atomic.Int32
	waitErr  error
	done     chan struct{}
}

// New validates cfg and prepares a job.
func New(cfg Config, log zerolog.Logger) (*Job, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("%w: exec command is required", engine.ErrConfiguration)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Job{
		cfg:  cfg,
		log:  log.With().Str("command", cfg.Command[0]).Logger(),
		done: make(chan struct{}),
	}, nil
}

// Start launches the process. Cancelling ctx terminates it.
func (j *Job) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	j.terminate = cancel

	cmd := exec.CommandContext(runCtx, j.cfg.Command[0], j.cfg.Command[1:]...)
	cmd.Dir = j.cfg.Dir
	if len(j.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), j.cfg.Env...)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = j.cfg.KillGrace
	if j.cfg.LogOutput {
		j.stdout = &lineWriter{log: j.log, stream: "stdout"}
		j.stderr = &lineWriter{log: j.log, stream: "stderr"}
		cmd.Stdout = j.stdout
		cmd.Stderr = j.stderr
	}

	if err := cmd.Start(); err != nil {
		cancel()
		j.log.Error().Err(err).Msg("unable to execute command")
		return fmt.Errorf("%w: starting %s: %w", engine.ErrUnrecoverable, j.cfg.Command[0], err)
	}
	j.cmd = cmd
	j.started = time.Now()
	j.log.Info().Int("pid", cmd.Process.Pid).Msg("command started")

	go j.wait()
	return nil
}

func (j *Job) wait() {
	err := j.cmd.Wait()
	j.terminate()
	if j.stdout != nil {
		j.stdout.Flush()
		j.stderr.Flush()
	}

	code := j.cmd.ProcessState.ExitCode()
	j.exitCode.Store(int32(code))
	j.waitErr = err

	ev := j.log.Info()
	status := StatusExitedSuccess
	msg := "command completed successfully"
	var exitErr *exec.ExitError
	switch {
	case j.terminated.Load():
		status = StatusExitedFailure
		msg = "terminated process because a stop was requested"
	case err != nil && (code != 0 || !errors.As(err, &exitErr)):
		ev = j.log.Warn().Err(err)
		status = StatusExitedFailure
		msg = "command completed abnormally"
	}
	ev.Int("exit_code", code).Dur("elapsed", time.Since(j.started)).Msg(msg)

	j.status.Store(int32(status))
	close(j.done)
}

// Status reports the process state without blocking.
func (j *Job) Status() Status { return Status(j.status.Load()) }

// ExitCode returns the exit code, or -1 while running or when the process
// was killed by a signal.
func (j *Job) ExitCode() int {
	if j.Status() == StatusRunning {
		return -1
	}
	return int(j.exitCode.Load())
}

// Done is closed once the process has exited and its output is drained.
func (j *Job) Done() <-chan struct{} { return j.done }

// RequestStop terminates the process. It is safe to call repeatedly and
// after the process has exited.
func (j *Job) RequestStop() {
	if j.terminate == nil || j.Status() != StatusRunning {
		return
	}
	if j.terminated.CompareAndSwap(false, true) {
		j.terminate()
	}
}

// WaitFor blocks up to d for the process to exit and returns its status.
func (j *Job) WaitFor(d time.Duration) Status {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-j.done:
	case <-t.C:
	}
	return j.Status()
}

// Run starts the command and polls its status until it exits, ctx is
// cancelled, or the configured duration elapses.
func (j *Job) Run(ctx context.Context) (Result, error) {
	if err := j.Start(context.WithoutCancel(ctx)); err != nil {
		return Result{Status: StatusExitedFailure, ExitCode: -1}, err
	}

	var deadline <-chan time.Time
	if j.cfg.Duration > 0 {
		t := time.NewTimer(j.cfg.Duration)
		defer t.Stop()
		deadline = t.C
	}

	for j.WaitFor(j.cfg.PollInterval) == StatusRunning {
		select {
		case <-ctx.Done():
			j.RequestStop()
		case <-deadline:
			j.RequestStop()
		default:
		}
	}

	res := Result{
		Status:     j.Status(),
		ExitCode:   j.ExitCode(),
		Terminated: j.terminated.Load(),
		Elapsed:    time.Since(j.started),
	}
	if errors.Is(j.waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("output not drained within %s: %w", j.cfg.KillGrace, j.waitErr)
	}
	return res, nil
}

// lineWriter logs each complete line written to it.
type lineWriter struct {
	mu     sync.Mutex
	log    zerolog.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf.Next(i+1), "\r\n")
		w.log.Info().Str("stream", w.stream).Msg(string(line))
	}
	return len(p), nil
}

// Flush logs a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log.Info().Str("stream", w.stream).Msg(w.buf.String())
		w.buf.Reset()
	}
}
