package core

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/warden-sh/warden/internal/fleet"
	"github.com/warden-sh/warden/pkg/api"
)

func testWardenConfig(t *testing.T, rootDir string) Config {
	t.Helper()
	cfg := Config{
		Roots:              []RootConfig{{Dir: rootDir}},
		BasePort:           44400,
		PortSpan:           2,
		Interpreter:        "/bin/sh",
		SpawnStaggerMillis: 10,
		StopTimeoutSeconds: 2,
		StateDir:           filepath.Join(t.TempDir(), "state"),
	}
	cfg.applyDefaults()
	return cfg
}

func writeTestServer(t *testing.T, dir, name string) {
	t.Helper()
	body := "# fastmcp service\nexec sleep 30\n"
	if err := os.WriteFile(filepath.Join(dir, name+".py"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUpCancelledMidBringUpReleasesRunLock(t *testing.T) {
	dir := t.TempDir()
	writeTestServer(t, dir, "svc")
	cfg := testWardenConfig(t, dir)

	w1, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w1.Up(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from aborted bring-up, got %v", err)
	}

	// The aborted bring-up must leave the state dir reusable: run lock
	// released and archive closed.
	w2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.Up(context.Background()); err != nil {
		t.Fatalf("fresh supervisor could not come up after aborted bring-up: %v", err)
	}
	if err := w2.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestUpPortExhaustionLeavesInstanceDiscovered(t *testing.T) {
	dir := t.TempDir()
	writeTestServer(t, dir, "svc")
	cfg := testWardenConfig(t, dir)

	// Hold the entire port range so placement cannot succeed.
	var held []net.Listener
	for p := cfg.BasePort; p < cfg.BasePort+cfg.PortSpan; p++ {
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p))
		if err != nil {
			t.Skipf("cannot bind test port %d: %v", p, err)
		}
		held = append(held, l)
	}
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	defer w.Shutdown(context.Background())

	inst, ok := w.Registry().Instance(fleet.Key{ID: "svc", Index: 0})
	if !ok {
		t.Fatal("unplaceable instance not registered")
	}
	if inst.Status != api.StatusDiscovered {
		t.Fatalf("expected discovered status for unplaceable instance, got %s", inst.Status)
	}
	if inst.ShouldBeRunning {
		t.Error("unplaceable instance must not be expected to run")
	}
}
