package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/warden-sh/warden/internal/catalog"
	"github.com/warden-sh/warden/internal/fleet"
	"github.com/warden-sh/warden/internal/health"
	"github.com/warden-sh/warden/internal/netport"
	"github.com/warden-sh/warden/internal/proc"
	"github.com/warden-sh/warden/pkg/api"
)

var (
	// ErrAlreadyRunning means another supervisor holds the run lock.
	ErrAlreadyRunning = errors.New("another warden instance holds the run lock")
	// ErrNotQuarantined is returned by Reinstate for instances that are
	// not quarantined.
	ErrNotQuarantined = errors.New("instance is not quarantined")
	// ErrUnknownInstance names a descriptor/index pair the registry does
	// not know.
	ErrUnknownInstance = errors.New("unknown instance")
)

// Warden is the supervisor: it composes the catalog scanner, port
// allocator, process supervisor, health monitor and the fleet registry, and
// exposes the operator surface as plain methods so any CLI or HTTP layer
// can sit on top unchanged.
type Warden struct {
	cfg     Config
	reg     *fleet.Registry
	scanner *catalog.Scanner
	alloc   *netport.Allocator
	sup     *proc.Supervisor
	mon     *health.Monitor
	store   *Store
	lock    *flock.Flock

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	up     bool
}

// New assembles a supervisor from configuration. Nothing is started until
// Up is called.
func New(cfg Config) (*Warden, error) {
	alloc, err := netport.NewAllocator(cfg.BasePort, cfg.BasePort+cfg.PortSpan)
	if err != nil {
		return nil, err
	}
	w := &Warden{
		cfg:     cfg,
		reg:     fleet.NewRegistry(),
		scanner: catalog.NewScanner(cfg.AllowNames, cfg.ExcludeDirs),
		alloc:   alloc,
		sup: proc.NewSupervisor(cfg.LogDir,
			proc.WithInterpreter(cfg.Interpreter),
			proc.WithExtraEnv(cfg.SpawnEnv)),
	}
	w.mon = health.NewMonitor(health.Config{
		QuickInterval:  cfg.QuickInterval(),
		FullInterval:   cfg.FullInterval(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		AutoHeal:       *cfg.AutoHeal,
		AutoRestart:    *cfg.AutoRestart,
		AutoQuarantine: *cfg.AutoQuarantine,
	}, w.reg, w.sup, w.scanner, w.roots(), health.Policy{
		MaxAttempts:   cfg.MaxRestartAttempts,
		BaseDelay:     cfg.RestartDelay(),
		BackoffFactor: cfg.RestartBackoff,
		MaxDelay:      5 * time.Minute,
	}, nil)
	return w, nil
}

func (w *Warden) roots() []catalog.RootSpec {
	roots := make([]catalog.RootSpec, 0, len(w.cfg.Roots))
	for _, r := range w.cfg.Roots {
		roots = append(roots, catalog.RootSpec{Dir: r.Dir, KindHint: api.ServerKind(r.KindHint)})
	}
	return roots
}

// Registry exposes the fleet registry for read access by embedding layers.
func (w *Warden) Registry() *fleet.Registry { return w.reg }

// Up brings the fleet online: acquire the run lock, open the archive, scan
// the roots, allocate ports, stagger-spawn every auto-start descriptor, and
// start the two health loops. ctx bounds bring-up only; the loops run until
// Shutdown.
func (w *Warden) Up(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.up {
		return errors.New("fleet already up")
	}

	if err := os.MkdirAll(w.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	w.lock = flock.New(filepath.Join(w.cfg.StateDir, "warden.lock"))
	locked, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("run lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	store, err := NewStore(filepath.Join(w.cfg.StateDir, "warden.db"))
	if err != nil {
		w.lock.Unlock()
		return fmt.Errorf("open store: %w", err)
	}
	w.store = store
	w.mon.SetRecorder(store)

	descs, err := w.scanner.Scan(w.roots())
	if err != nil {
		log.Warn().Err(err).Msg("initial scan reported errors")
	}
	added := w.reg.UpsertDescriptors(descs)
	log.Info().Int("servers", len(added)).Str("run", store.RunID()).Msg("fleet discovered")

	for _, desc := range w.reg.Descriptors() {
		if ctx.Err() != nil {
			w.store.Close()
			w.store = nil
			w.mon.SetRecorder(nil)
			w.lock.Unlock()
			return ctx.Err()
		}
		if !desc.AutoStart {
			continue
		}
		w.launchDescriptor(ctx, desc)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.mon.RunQuick(loopCtx)
	}()
	go func() {
		defer w.wg.Done()
		w.mon.RunFull(loopCtx)
	}()

	w.up = true
	log.Info().
		Dur("quick_interval", w.cfg.QuickInterval()).
		Dur("full_interval", w.cfg.FullInterval()).
		Msg("warden up, monitoring started")
	return nil
}

// launchDescriptor spawns the configured instance count for one descriptor,
// staggered by the configured delay. Port exhaustion is fatal for this
// descriptor's bring-up only; instances it could not place stay registered
// as discovered.
func (w *Warden) launchDescriptor(ctx context.Context, desc fleet.Descriptor) {
	for idx := 0; idx < w.cfg.NumInstancesPerServer; idx++ {
		w.reg.PutInstance(fleet.Instance{
			DescriptorID: desc.ID,
			Index:        idx,
			Status:       api.StatusDiscovered,
		})
		port, err := w.resolvePort(desc, idx)
		if err != nil {
			log.Error().Err(err).Str("server", desc.ID).Msg("bring-up aborted for server")
			if w.store != nil {
				w.store.RecordEvent(desc.ID, "port-exhausted", err.Error())
			}
			return
		}
		w.spawnInstance(ctx, desc, idx, port)

		select {
		case <-time.After(w.cfg.SpawnStagger()):
		case <-ctx.Done():
			return
		}
	}
}

// resolvePort prefers the statically declared port for the first instance,
// but only when the bind probe confirms it is actually free; otherwise a
// port is allocated from the range.
func (w *Warden) resolvePort(desc fleet.Descriptor, idx int) (int, error) {
	if idx == 0 && desc.DeclaredPort != nil && netport.Available(*desc.DeclaredPort) {
		return *desc.DeclaredPort, nil
	}
	port, err := w.alloc.Allocate(w.reg.UsedPorts())
	if err != nil {
		return 0, fmt.Errorf("resolve port for %s: %w", desc.ID, err)
	}
	return port, nil
}

// spawnInstance starts one process and registers the resulting instance. A
// failed spawn still registers the instance as stopped so the health loops
// pick it up for retry under the restart policy.
func (w *Warden) spawnInstance(ctx context.Context, desc fleet.Descriptor, idx, port int) {
	key := fleet.Key{ID: desc.ID, Index: idx}
	inst := fleet.Instance{
		DescriptorID:    desc.ID,
		Index:           idx,
		Port:            port,
		Status:          api.StatusStarting,
		ShouldBeRunning: true,
	}
	w.reg.PutInstance(inst)

	pid, err := w.sup.Spawn(ctx, desc, idx, port)
	if err != nil {
		var early *proc.EarlyExitError
		if errors.As(err, &early) {
			log.Warn().
				Str("instance", key.String()).
				Int("code", early.Code).
				Str("output", early.Output).
				Msg("server exited during startup")
		} else {
			log.Warn().Err(err).Str("instance", key.String()).Msg("spawn failed")
		}
		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.Status = api.StatusStopped
		})
		if w.store != nil {
			w.store.RecordEvent(key.String(), "spawn-failed", err.Error())
		}
		return
	}

	now := time.Now()
	_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
		i.Status = api.StatusRunning
		i.PID = pid
		i.StartedAt = now
	})
	log.Info().
		Str("instance", key.String()).
		Str("old_status", string(api.StatusStarting)).
		Str("new_status", string(api.StatusRunning)).
		Int("pid", pid).
		Int("port", port).
		Msg("status transition")
	if w.store != nil {
		w.store.RecordEvent(key.String(), "started", fmt.Sprintf("pid %d port %d", pid, port))
	}
}

// Rescan runs the catalog scanner immediately, merges the result, retires
// servers whose file is gone, and brings up any newly discovered auto-start
// servers. Part of the operator surface.
func (w *Warden) Rescan(ctx context.Context) ([]string, error) {
	descs, err := w.scanner.Scan(w.roots())
	if err != nil {
		return nil, err
	}
	added := w.reg.UpsertDescriptors(descs)
	for _, id := range w.reg.ReconcileMissing(descs) {
		log.Warn().Str("server", id).Msg("rescan: server removed from disk, retiring instances")
		if w.store != nil {
			w.store.RecordEvent(id, "removed", "server file no longer on disk")
		}
	}
	for _, id := range added {
		desc, ok := w.reg.Descriptor(id)
		if !ok || !desc.AutoStart {
			continue
		}
		w.launchDescriptor(ctx, desc)
	}
	return added, nil
}

// Snapshot returns the registry state as structured data.
func (w *Warden) Snapshot() api.FleetSnapshot {
	return w.reg.Snapshot()
}

// History returns archived events, newest first.
func (w *Warden) History(instance string, limit int) ([]Event, error) {
	if w.store == nil {
		return nil, errors.New("store not open")
	}
	return w.store.Events(instance, limit)
}

// Quarantine force-quarantines one instance: its process is terminated and
// automatic recovery is disabled until Reinstate.
func (w *Warden) Quarantine(ctx context.Context, id string, idx int) error {
	key := fleet.Key{ID: id, Index: idx}
	return w.reg.WithInstanceLock(key, func() error {
		inst, ok := w.reg.Instance(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownInstance, key)
		}
		if err := w.sup.Terminate(ctx, key, w.cfg.StopTimeout()); err != nil {
			log.Error().Err(err).Str("instance", key.String()).Msg("terminate during quarantine failed")
		}
		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.Status = api.StatusQuarantined
			i.PID = 0
		})
		log.Error().
			Str("instance", key.String()).
			Str("old_status", string(inst.Status)).
			Str("new_status", string(api.StatusQuarantined)).
			Str("reason", "operator request").
			Msg("instance quarantined, automatic recovery disabled")
		if w.store != nil {
			w.store.RecordEvent(key.String(), "quarantined", "operator request")
		}
		return nil
	})
}

// Reinstate returns a quarantined instance to service: its restart counter
// is reset and the process is respawned on its existing port.
func (w *Warden) Reinstate(ctx context.Context, id string, idx int) error {
	key := fleet.Key{ID: id, Index: idx}
	return w.reg.WithInstanceLock(key, func() error {
		inst, ok := w.reg.Instance(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownInstance, key)
		}
		if inst.Status != api.StatusQuarantined {
			return fmt.Errorf("%w: %s is %s", ErrNotQuarantined, key, inst.Status)
		}
		desc, ok := w.reg.Descriptor(id)
		if !ok {
			return fmt.Errorf("%w: no descriptor for %s", ErrUnknownInstance, id)
		}

		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.Status = api.StatusStarting
			i.RestartCount = 0
			i.ShouldBeRunning = true
		})
		pid, err := w.sup.Spawn(ctx, desc, idx, inst.Port)
		if err != nil {
			_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
				i.Status = api.StatusStopped
			})
			return fmt.Errorf("reinstate %s: %w", key, err)
		}
		now := time.Now()
		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.Status = api.StatusRunning
			i.PID = pid
			i.StartedAt = now
		})
		log.Info().
			Str("instance", key.String()).
			Str("old_status", string(api.StatusQuarantined)).
			Str("new_status", string(api.StatusRunning)).
			Str("reason", "operator reinstate").
			Msg("status transition")
		if w.store != nil {
			w.store.RecordEvent(key.String(), "reinstated", fmt.Sprintf("pid %d", pid))
		}
		return nil
	})
}

// Shutdown stops both health loops, terminates every still-running
// instance, and releases the run lock and archive.
func (w *Warden) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.up {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	var firstErr error
	for _, inst := range w.reg.Instances() {
		key := fleet.Key{ID: inst.DescriptorID, Index: inst.Index}
		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.ShouldBeRunning = false
		})
		if err := w.sup.Terminate(ctx, key, w.cfg.StopTimeout()); err != nil {
			log.Error().Err(err).Str("instance", key.String()).Msg("termination failed during shutdown")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_ = w.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.Status = api.StatusStopped
			i.PID = 0
		})
	}

	if w.store != nil {
		w.store.RecordEvent("fleet", "shutdown", "")
		w.store.Close()
	}
	if w.lock != nil {
		w.lock.Unlock()
	}
	w.up = false
	log.Info().Msg("warden shut down")
	return firstErr
}
