package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warden-sh/warden/internal/fleet"
)

// ErrTerminationTimeout means a process survived both the graceful signal
// and the force kill. This is surfaced to the operator and never retried
// automatically.
var ErrTerminationTimeout = errors.New("process did not exit after force kill")

// EarlyExitError reports a process that died inside the spawn grace period.
type EarlyExitError struct {
	Code   int
	Output string
}

func (e *EarlyExitError) Error() string {
	return fmt.Sprintf("process exited with code %d during startup", e.Code)
}

// procState tracks one live child process. done is closed by the reaper
// goroutine once Wait returns.
type procState struct {
	cmd      *exec.Cmd
	tail     *tailWriter
	done     chan struct{}
	exitCode int
}

// Supervisor owns the OS processes behind server instances: spawn, liveness,
// terminate, and the per-instance log sinks. Spawn and terminate calls pass
// through a small semaphore so a slow termination cannot stall health checks
// for unrelated instances.
type Supervisor struct {
	interpreter string
	logDir      string
	grace       time.Duration
	extraEnv    []string

	sem chan struct{}

	mu    sync.Mutex
	procs map[fleet.Key]*procState
}

// Option tweaks supervisor construction.
type Option func(*Supervisor)

// WithGracePeriod overrides the startup grace period used to distinguish
// "started" from "crashed instantly".
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithInterpreter overrides the interpreter used to launch server scripts.
func WithInterpreter(bin string) Option {
	return func(s *Supervisor) { s.interpreter = bin }
}

// WithExtraEnv injects additional KEY=VALUE pairs into every spawned
// process, typically credentials loaded from secrets.env.
func WithExtraEnv(env map[string]string) Option {
	return func(s *Supervisor) {
		for k, v := range env {
			s.extraEnv = append(s.extraEnv, k+"="+v)
		}
	}
}

// NewSupervisor creates a supervisor writing per-instance logs under logDir.
func NewSupervisor(logDir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		interpreter: "python3",
		logDir:      logDir,
		grace:       time.Second,
		sem:         make(chan struct{}, 4),
		procs:       make(map[fleet.Key]*procState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.sem }

// Spawn starts one OS process for the descriptor. The resolved port is
// injected both as a --port argument and as SERVER_PORT in the environment,
// the working directory is the script's containing directory, and
// stdout/stderr go to a lazily created per-instance log file. Spawn returns
// after the grace period; a process that exits within it is reported as an
// EarlyExitError with the captured output tail.
func (s *Supervisor) Spawn(ctx context.Context, desc fleet.Descriptor, index, port int) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	if _, err := os.Stat(desc.Path); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", desc.ID, err)
	}

	sink, err := s.openLog(desc.ID, index)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", desc.ID, err)
	}

	tail := newTailWriter(4096)
	cmd := exec.Command(s.interpreter, desc.Path, "--port", strconv.Itoa(port))
	cmd.Dir = filepath.Dir(desc.Path)
	cmd.Env = append(os.Environ(), s.extraEnv...)
	cmd.Env = append(cmd.Env, "SERVER_PORT="+strconv.Itoa(port))
	out := io.MultiWriter(sink, tail)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		sink.Close()
		return 0, fmt.Errorf("spawn %s: %w", desc.ID, err)
	}

	st := &procState{cmd: cmd, tail: tail, done: make(chan struct{})}
	key := fleet.Key{ID: desc.ID, Index: index}
	s.mu.Lock()
	s.procs[key] = st
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		st.exitCode = exitCode(err)
		sink.Close()
		close(st.done)
	}()

	select {
	case <-st.done:
		s.forget(key)
		return 0, &EarlyExitError{Code: st.exitCode, Output: tail.String()}
	case <-time.After(s.grace):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		s.forget(key)
		return 0, ctx.Err()
	}

	log.Debug().
		Str("server", desc.ID).
		Int("index", index).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("process started")
	return cmd.Process.Pid, nil
}

// Alive reports whether the process behind key is still running. It never
// blocks.
func (s *Supervisor) Alive(key fleet.Key) bool {
	s.mu.Lock()
	st, ok := s.procs[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-st.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the recorded exit code for a finished instance, or -1
// when the process is still running or unknown.
func (s *Supervisor) ExitCode(key fleet.Key) int {
	s.mu.Lock()
	st, ok := s.procs[key]
	s.mu.Unlock()
	if !ok {
		return -1
	}
	select {
	case <-st.done:
		return st.exitCode
	default:
		return -1
	}
}

// Terminate requests a graceful stop and escalates to SIGKILL after
// timeout. Terminating an instance with no live process is a no-op success.
func (s *Supervisor) Terminate(ctx context.Context, key fleet.Key, timeout time.Duration) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	st, ok := s.procs[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-st.done:
		s.forget(key)
		return nil
	default:
	}

	if err := st.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Str("instance", key.String()).Msg("SIGTERM failed")
	}
	select {
	case <-st.done:
		s.forget(key)
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Warn().Str("instance", key.String()).Dur("timeout", timeout).Msg("graceful stop timed out, killing")
	if err := st.cmd.Process.Kill(); err != nil {
		log.Warn().Err(err).Str("instance", key.String()).Msg("kill failed")
	}
	select {
	case <-st.done:
		s.forget(key)
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("terminate %s: %w", key, ErrTerminationTimeout)
	}
}

func (s *Supervisor) forget(key fleet.Key) {
	s.mu.Lock()
	delete(s.procs, key)
	s.mu.Unlock()
}

// openLog lazily creates the append-only per-instance log file. Files are
// never deleted by the supervisor.
func (s *Supervisor) openLog(id string, index int) (*os.File, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(s.logDir, fmt.Sprintf("%s-%d.log", id, index))
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
