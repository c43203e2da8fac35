package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warden-sh/warden/internal/catalog"
	"github.com/warden-sh/warden/internal/fleet"
	"github.com/warden-sh/warden/internal/netport"
	"github.com/warden-sh/warden/internal/proc"
	"github.com/warden-sh/warden/pkg/api"
)

// Recorder archives supervisor events and check summaries. Satisfied by the
// core store; a nil Recorder is allowed and drops everything.
type Recorder interface {
	RecordEvent(instance, event, detail string)
	RecordSummary(healthy, stopped, unreachable, errored int)
}

// Config carries the monitor's scheduling and healing knobs.
type Config struct {
	QuickInterval  time.Duration
	FullInterval   time.Duration
	ProbeTimeout   time.Duration
	AutoHeal       bool
	AutoRestart    bool
	AutoQuarantine bool
}

// Monitor runs the two periodic health loops. The quick loop only probes
// port occupancy for instances that should be running; the full loop
// re-scans the catalog, computes a HealthRecord per instance, and emits a
// summary. Both loops funnel crash handling through a per-instance lock in
// the registry, so they can never both restart the same instance.
type Monitor struct {
	cfg     Config
	reg     *fleet.Registry
	sup     *proc.Supervisor
	scanner *catalog.Scanner
	roots   []catalog.RootSpec
	policy  Policy
	rec     Recorder
	client  *http.Client
}

// NewMonitor wires a monitor over the shared registry.
func NewMonitor(cfg Config, reg *fleet.Registry, sup *proc.Supervisor, scanner *catalog.Scanner, roots []catalog.RootSpec, policy Policy, rec Recorder) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		sup:     sup,
		scanner: scanner,
		roots:   roots,
		policy:  policy,
		rec:     rec,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// SetRecorder attaches the event archive. Call before the loops start.
func (m *Monitor) SetRecorder(rec Recorder) { m.rec = rec }

// RunQuick drives the quick-check loop until ctx is cancelled. Iterations
// never overlap; cancellation is honored between instances.
func (m *Monitor) RunQuick(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.QuickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.quickPass(ctx)
		}
	}
}

// RunFull drives the full-check loop until ctx is cancelled.
func (m *Monitor) RunFull(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fullPass(ctx)
		}
	}
}

// quickPass probes port occupancy for every instance expected to be
// running. A freed port while the instance should be running is a crash and
// is routed to crash handling immediately.
func (m *Monitor) quickPass(ctx context.Context) {
	for _, inst := range m.reg.Instances() {
		if ctx.Err() != nil {
			return
		}
		if !inst.ShouldBeRunning || inst.Status == api.StatusQuarantined {
			continue
		}
		if m.crashed(inst) {
			m.handleCrash(ctx, fleet.Key{ID: inst.DescriptorID, Index: inst.Index}, "quick check: port released")
		}
	}
}

// fullPass re-runs the catalog scan, computes a verdict per instance, and
// emits the check summary. Any failure is contained: a scan error is logged
// and the pass continues with the known fleet; a per-instance error becomes
// an Error verdict for that instance only. Removal detection runs only on a
// complete scan, so a temporarily unreadable root never retires its fleet.
func (m *Monitor) fullPass(ctx context.Context) {
	if descs, err := m.scanner.Scan(m.roots); err != nil {
		log.Warn().Err(err).Msg("full check: catalog rescan failed")
	} else {
		if added := m.reg.UpsertDescriptors(descs); len(added) > 0 {
			log.Info().Strs("servers", added).Msg("full check: new servers discovered")
		}
		for _, id := range m.reg.ReconcileMissing(descs) {
			log.Warn().Str("server", id).Msg("full check: server removed from disk, retiring instances")
			if m.rec != nil {
				m.rec.RecordEvent(id, "removed", "server file no longer on disk")
			}
		}
	}

	var healthy, stopped, unreachable, errored int
	for _, inst := range m.reg.Instances() {
		if ctx.Err() != nil {
			return
		}
		key := fleet.Key{ID: inst.DescriptorID, Index: inst.Index}
		verdict, detail := m.checkInstance(inst)
		now := time.Now()
		m.reg.AppendHealth(key, fleet.HealthRecord{Time: now, Verdict: verdict, Detail: detail})
		_ = m.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.LastHealthCheckAt = now
		})

		switch verdict {
		case api.VerdictHealthy:
			healthy++
		case api.VerdictStopped:
			stopped++
		case api.VerdictUnreachable:
			unreachable++
		default:
			errored++
		}

		// Unreachable means the process exists but serves nothing; surface
		// that in the status until a later pass sees the port bound again.
		if verdict == api.VerdictUnreachable && inst.Status == api.StatusRunning {
			m.transition(key, inst.Status, api.StatusUnhealthy, detail)
		} else if verdict == api.VerdictHealthy && inst.Status == api.StatusUnhealthy {
			m.transition(key, inst.Status, api.StatusRunning, detail)
		}

		if inst.ShouldBeRunning && inst.Status != api.StatusQuarantined &&
			(verdict == api.VerdictStopped || verdict == api.VerdictError) {
			m.handleCrash(ctx, key, fmt.Sprintf("full check: %s", detail))
		}
	}

	log.Info().
		Int("healthy", healthy).
		Int("stopped", stopped).
		Int("unreachable", unreachable).
		Int("errored", errored).
		Msg("health check summary")
	if m.rec != nil {
		m.rec.RecordSummary(healthy, stopped, unreachable, errored)
	}
}

// crashed reports whether an expected-running instance has lost its
// process. Stdio servers hold no port, so liveness comes from the process
// table; everything else is judged by port occupancy (a live server holds
// its port, so an available port means the server is gone).
func (m *Monitor) crashed(inst fleet.Instance) bool {
	key := fleet.Key{ID: inst.DescriptorID, Index: inst.Index}
	if desc, ok := m.reg.Descriptor(inst.DescriptorID); ok && desc.Protocol == api.ProtocolStdio {
		return !m.sup.Alive(key)
	}
	return netport.Available(inst.Port)
}

// checkInstance computes one health verdict. A panic inside the check is
// converted into an Error verdict for that instance only.
func (m *Monitor) checkInstance(inst fleet.Instance) (verdict api.Verdict, detail string) {
	defer func() {
		if r := recover(); r != nil {
			verdict = api.VerdictError
			detail = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	key := fleet.Key{ID: inst.DescriptorID, Index: inst.Index}
	if !inst.ShouldBeRunning {
		if m.sup.Alive(key) {
			return api.VerdictHealthy, "running (not required)"
		}
		return api.VerdictStopped, "not running (not required)"
	}

	desc, ok := m.reg.Descriptor(inst.DescriptorID)
	if !ok {
		return api.VerdictError, "descriptor missing from registry"
	}

	if desc.Protocol == api.ProtocolStdio {
		if m.sup.Alive(key) {
			return api.VerdictHealthy, "process alive"
		}
		return api.VerdictStopped, fmt.Sprintf("process exited with code %d", m.sup.ExitCode(key))
	}

	if netport.Available(inst.Port) {
		if m.sup.Alive(key) {
			// Process exists but nothing is bound yet; treat as
			// unreachable rather than crashed.
			return api.VerdictUnreachable, fmt.Sprintf("port %d not bound", inst.Port)
		}
		return api.VerdictStopped, fmt.Sprintf("port %d released", inst.Port)
	}

	// Port is occupied, so the server is up. The HTTP probe only enriches
	// the detail: a missing or failing health endpoint must not produce a
	// false negative.
	if desc.Protocol == api.ProtocolHTTP {
		if status, err := m.probeHTTP(inst.Port); err != nil {
			return api.VerdictHealthy, fmt.Sprintf("port held, health endpoint unreachable: %v", err)
		} else {
			return api.VerdictHealthy, fmt.Sprintf("port held, health endpoint returned %d", status)
		}
	}
	return api.VerdictHealthy, "port held"
}

func (m *Monitor) probeHTTP(port int) (int, error) {
	resp, err := m.client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// handleCrash runs the restart policy for one instance under its transition
// lock, so a quick-check-triggered and a full-check-triggered restart can
// never fire concurrently for the same instance.
func (m *Monitor) handleCrash(ctx context.Context, key fleet.Key, reason string) {
	if !m.cfg.AutoHeal {
		return
	}
	_ = m.reg.WithInstanceLock(key, func() error {
		inst, ok := m.reg.Instance(key)
		if !ok {
			return nil
		}
		// Re-read under the lock: the other loop may already have
		// handled this crash, or an operator may have intervened.
		switch inst.Status {
		case api.StatusQuarantined, api.StatusRestarting, api.StatusStarting:
			return nil
		}
		if !m.crashed(inst) {
			return nil
		}

		m.transition(key, inst.Status, api.StatusStopped, reason)

		if !m.cfg.AutoRestart {
			return nil
		}
		decision := m.policy.Decide(inst.RestartCount)
		switch decision.Kind {
		case Quarantine:
			if !m.cfg.AutoQuarantine {
				log.Warn().Str("instance", key.String()).Msg("restart attempts exhausted, auto-quarantine disabled")
				return nil
			}
			m.quarantine(key, decision.Reason)
			return nil
		case RetryAfter:
			return m.restart(ctx, key, decision.Delay)
		default:
			return nil
		}
	})
}

// restart sleeps the backoff delay, then respawns the instance on its
// existing port. Called with the instance transition lock held.
func (m *Monitor) restart(ctx context.Context, key fleet.Key, delay time.Duration) error {
	inst, ok := m.reg.Instance(key)
	if !ok {
		return nil
	}
	desc, ok := m.reg.Descriptor(key.ID)
	if !ok {
		return fmt.Errorf("restart %s: descriptor missing", key)
	}

	m.transition(key, inst.Status, api.StatusRestarting, fmt.Sprintf("retry in %s", delay))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.transition(key, api.StatusRestarting, api.StatusStarting, "respawning")
	pid, err := m.sup.Spawn(ctx, desc, key.Index, inst.Port)
	now := time.Now()
	if err != nil {
		_ = m.reg.UpdateInstance(key, func(i *fleet.Instance) {
			i.RestartCount++
			i.Status = api.StatusStopped
			i.PID = 0
		})
		log.Warn().Err(err).Str("instance", key.String()).Msg("respawn failed")
		if m.rec != nil {
			m.rec.RecordEvent(key.String(), "respawn-failed", err.Error())
		}
		return nil
	}
	_ = m.reg.UpdateInstance(key, func(i *fleet.Instance) {
		i.RestartCount++
		i.Status = api.StatusRunning
		i.PID = pid
		i.StartedAt = now
	})
	log.Info().Str("instance", key.String()).Int("pid", pid).Msg("instance restarted")
	if m.rec != nil {
		m.rec.RecordEvent(key.String(), "restarted", fmt.Sprintf("pid %d", pid))
	}
	return nil
}

// quarantine parks the instance permanently. Only an explicit operator
// reinstate call leaves this state.
func (m *Monitor) quarantine(key fleet.Key, reason string) {
	inst, _ := m.reg.Instance(key)
	_ = m.reg.UpdateInstance(key, func(i *fleet.Instance) {
		i.Status = api.StatusQuarantined
		i.PID = 0
	})
	log.Error().
		Str("instance", key.String()).
		Str("old_status", string(inst.Status)).
		Str("new_status", string(api.StatusQuarantined)).
		Str("reason", reason).
		Msg("instance quarantined, automatic recovery disabled")
	if m.rec != nil {
		m.rec.RecordEvent(key.String(), "quarantined", reason)
	}
}

func (m *Monitor) transition(key fleet.Key, from, to api.Status, reason string) {
	_ = m.reg.UpdateInstance(key, func(i *fleet.Instance) {
		i.Status = to
	})
	log.Info().
		Str("instance", key.String()).
		Str("old_status", string(from)).
		Str("new_status", string(to)).
		Str("reason", reason).
		Msg("status transition")
	if m.rec != nil {
		m.rec.RecordEvent(key.String(), string(to), reason)
	}
}
