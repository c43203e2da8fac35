package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/warden-sh/warden/internal/fleet"
)

// writeScript drops a shell script that stands in for a server program; the
// supervisor runs it through /bin/sh instead of a real interpreter.
func writeScript(t *testing.T, dir, name, body string) fleet.Descriptor {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return fleet.Descriptor{ID: strings.TrimSuffix(name, ".py"), Path: path}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor(filepath.Join(t.TempDir(), "logs"),
		WithInterpreter("/bin/sh"),
		WithGracePeriod(300*time.Millisecond))
}

func TestSpawnEarlyExit(t *testing.T) {
	dir := t.TempDir()
	sup := newTestSupervisor(t)
	desc := writeScript(t, dir, "crasher.py", "echo boom >&2\nexit 3\n")

	_, err := sup.Spawn(context.Background(), desc, 0, 18000)
	var early *EarlyExitError
	if !errors.As(err, &early) {
		t.Fatalf("expected EarlyExitError, got %v", err)
	}
	if early.Code != 3 {
		t.Errorf("expected exit code 3, got %d", early.Code)
	}
	if !strings.Contains(early.Output, "boom") {
		t.Errorf("expected captured output to contain 'boom', got %q", early.Output)
	}
}

func TestSpawnExitOneNeverReportedRunning(t *testing.T) {
	dir := t.TempDir()
	sup := newTestSupervisor(t)
	desc := writeScript(t, dir, "failfast.py", "exit 1\n")

	_, err := sup.Spawn(context.Background(), desc, 0, 18001)
	var early *EarlyExitError
	if !errors.As(err, &early) {
		t.Fatalf("a process exiting within the grace period must be an early exit, got %v", err)
	}
	if early.Code != 1 {
		t.Errorf("expected exit code 1, got %d", early.Code)
	}
}

func TestSpawnRunningAndTerminate(t *testing.T) {
	dir := t.TempDir()
	sup := newTestSupervisor(t)
	desc := writeScript(t, dir, "steady.py", "sleep 30\n")
	key := fleet.Key{ID: "steady", Index: 0}

	pid, err := sup.Spawn(context.Background(), desc, 0, 18002)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected positive pid, got %d", pid)
	}
	if !sup.Alive(key) {
		t.Fatal("expected instance to be alive after spawn")
	}

	if err := sup.Terminate(context.Background(), key, 2*time.Second); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if sup.Alive(key) {
		t.Error("expected instance to be dead after terminate")
	}
}

func TestTerminateIdempotent(t *testing.T) {
	sup := newTestSupervisor(t)
	key := fleet.Key{ID: "ghost", Index: 0}
	if err := sup.Terminate(context.Background(), key, time.Second); err != nil {
		t.Errorf("terminating an unknown instance must be a no-op success, got %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	sup := newTestSupervisor(t)
	desc := writeScript(t, dir, "stubborn.py", "trap '' TERM\nsleep 30\n")
	key := fleet.Key{ID: "stubborn", Index: 0}

	if _, err := sup.Spawn(context.Background(), desc, 0, 18003); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := sup.Terminate(context.Background(), key, 300*time.Millisecond); err != nil {
		t.Fatalf("expected force kill to succeed, got %v", err)
	}
	if sup.Alive(key) {
		t.Error("expected instance dead after force kill")
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	sup := newTestSupervisor(t)
	desc := fleet.Descriptor{ID: "absent", Path: "/nonexistent/absent.py"}
	if _, err := sup.Spawn(context.Background(), desc, 0, 18004); err == nil {
		t.Error("expected spawn error for missing executable")
	}
}

func TestSpawnWritesInstanceLog(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(t.TempDir(), "logs")
	sup := NewSupervisor(logDir, WithInterpreter("/bin/sh"), WithGracePeriod(300*time.Millisecond))
	desc := writeScript(t, dir, "chatty.py", "echo starting up\nsleep 30\n")
	key := fleet.Key{ID: "chatty", Index: 2}

	if _, err := sup.Spawn(context.Background(), desc, 2, 18005); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer sup.Terminate(context.Background(), key, time.Second)

	data, err := os.ReadFile(filepath.Join(logDir, "chatty-2.log"))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "starting up") {
		t.Errorf("expected process output in log file, got %q", string(data))
	}
}

func TestSpawnPassesPortInEnvironment(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(t.TempDir(), "logs")
	sup := NewSupervisor(logDir, WithInterpreter("/bin/sh"), WithGracePeriod(300*time.Millisecond))
	desc := writeScript(t, dir, "envcheck.py", "echo \"port=$SERVER_PORT args=$*\"\nsleep 30\n")
	key := fleet.Key{ID: "envcheck", Index: 0}

	if _, err := sup.Spawn(context.Background(), desc, 0, 18006); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer sup.Terminate(context.Background(), key, time.Second)

	data, err := os.ReadFile(filepath.Join(logDir, "envcheck-0.log"))
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "port=18006") {
		t.Errorf("expected SERVER_PORT in environment, got %q", out)
	}
	if !strings.Contains(out, "--port 18006") {
		t.Errorf("expected --port argument, got %q", out)
	}
}

func TestSpawnInjectsExtraEnv(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(t.TempDir(), "logs")
	sup := NewSupervisor(logDir,
		WithInterpreter("/bin/sh"),
		WithGracePeriod(300*time.Millisecond),
		WithExtraEnv(map[string]string{"API_KEY": "sk-test"}))
	desc := writeScript(t, dir, "secretcheck.py", "echo \"key=$API_KEY\"\nsleep 30\n")
	key := fleet.Key{ID: "secretcheck", Index: 0}

	if _, err := sup.Spawn(context.Background(), desc, 0, 18007); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer sup.Terminate(context.Background(), key, time.Second)

	data, err := os.ReadFile(filepath.Join(logDir, "secretcheck-0.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "key=sk-test") {
		t.Errorf("expected injected environment value, got %q", string(data))
	}
}

func TestTailWriterKeepsSuffix(t *testing.T) {
	w := newTailWriter(8)
	w.Write([]byte("0123456789abcdef"))
	if got := w.String(); got != "89abcdef" {
		t.Errorf("expected tail '89abcdef', got %q", got)
	}
}
