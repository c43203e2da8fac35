package fleet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warden-sh/warden/pkg/api"
)

// Descriptor is the static identity of a discoverable server, derived from
// file inspection. The ID is the filename stem and is unique per registry.
type Descriptor struct {
	ID           string
	Path         string
	Kind         api.ServerKind
	DeclaredPort *int
	Protocol     api.Protocol
	Description  string
	AutoStart    bool
}

// Instance is one running (or previously running) attempt of a descriptor.
// The process handle itself lives in the proc package; the registry only
// tracks the PID for reporting.
type Instance struct {
	DescriptorID      string
	Index             int
	Port              int
	PID               int
	Status            api.Status
	RestartCount      int
	ShouldBeRunning   bool
	StartedAt         time.Time
	LastHealthCheckAt time.Time
}

// Key identifies one instance of one descriptor.
type Key struct {
	ID    string
	Index int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.ID, k.Index)
}

// HealthRecord is one append-only health-history entry.
type HealthRecord struct {
	Time    time.Time
	Verdict api.Verdict
	Detail  string
}

// HealthHistoryCap bounds the per-instance health ring buffer.
const HealthHistoryCap = 100

type healthRing struct {
	records []HealthRecord
}

func (r *healthRing) push(rec HealthRecord) {
	r.records = append(r.records, rec)
	if len(r.records) > HealthHistoryCap {
		r.records = r.records[len(r.records)-HealthHistoryCap:]
	}
}

// Registry is the shared in-memory table of descriptors and runtime state.
// All mutation goes through its methods; callers only ever see copies.
// Status transitions for a single instance are additionally serialized via
// WithInstanceLock so the quick and full loops cannot race a restart.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	instances   map[Key]*Instance
	health      map[Key]*healthRing
	locks       map[Key]*sync.Mutex
}

// NewRegistry creates an empty fleet registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		instances:   make(map[Key]*Instance),
		health:      make(map[Key]*healthRing),
		locks:       make(map[Key]*sync.Mutex),
	}
}

// UpsertDescriptors merges a scan result into the registry and returns the
// IDs that were not known before. An unchanged descriptor is overwritten
// with an equal value, so repeated scans are idempotent.
func (r *Registry) UpsertDescriptors(descs []Descriptor) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []string
	for _, d := range descs {
		if _, ok := r.descriptors[d.ID]; !ok {
			added = append(added, d.ID)
		}
		r.descriptors[d.ID] = d
	}
	return added
}

// ReconcileMissing compares the registry against a complete scan result and
// marks descriptors whose file is gone from disk: auto-start is cleared and
// their instances stop being expected to run, so the health loops report
// them as stopped instead of respawning a deleted program. Returns the IDs
// newly marked missing. Callers must only pass the result of a scan that
// covered every root.
func (r *Registry) ReconcileMissing(present []Descriptor) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	have := make(map[string]bool, len(present))
	for _, d := range present {
		have[d.ID] = true
	}
	var missing []string
	for id, d := range r.descriptors {
		if have[id] || !d.AutoStart {
			continue
		}
		d.AutoStart = false
		r.descriptors[id] = d
		for key, inst := range r.instances {
			if key.ID == id {
				inst.ShouldBeRunning = false
			}
		}
		missing = append(missing, id)
	}
	sort.Strings(missing)
	return missing
}

// Descriptor returns the descriptor for id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Descriptors returns all descriptors sorted by ID.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutInstance records a new instance. An existing entry for the same key is
// replaced; HealthRecord history for the key is preserved.
func (r *Registry) PutInstance(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := inst
	r.instances[Key{inst.DescriptorID, inst.Index}] = &cp
}

// Instance returns a copy of the instance for key.
func (r *Registry) Instance(key Key) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns copies of all instances in a stable order
// (by descriptor ID, then index).
func (r *Registry) Instances() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DescriptorID != out[j].DescriptorID {
			return out[i].DescriptorID < out[j].DescriptorID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// UpdateInstance applies fn to the stored instance under the registry lock.
// This is the single mutation point for instance fields.
func (r *Registry) UpdateInstance(key Key, fn func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok {
		return fmt.Errorf("unknown instance %s", key)
	}
	fn(inst)
	return nil
}

// AppendHealth records a health check outcome for key, evicting the oldest
// entry once the ring is full.
func (r *Registry) AppendHealth(key Key, rec HealthRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.health[key]
	if !ok {
		ring = &healthRing{}
		r.health[key] = ring
	}
	ring.push(rec)
}

// Health returns a copy of the health history for key, oldest first.
func (r *Registry) Health(key Key) []HealthRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.health[key]
	if !ok {
		return nil
	}
	out := make([]HealthRecord, len(ring.records))
	copy(out, ring.records)
	return out
}

// WithInstanceLock serializes status-transition decisions for one instance.
// The registry mutex is not held while fn runs, so fn may sleep (backoff)
// and respawn without stalling readers.
func (r *Registry) WithInstanceLock(key Key, fn func() error) error {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// UsedPorts returns the set of ports held by known instances plus every
// statically declared port, so allocation never hands one out twice.
func (r *Registry) UsedPorts() map[int]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := make(map[int]bool)
	for _, inst := range r.instances {
		if inst.Port != 0 {
			used[inst.Port] = true
		}
	}
	for _, d := range r.descriptors {
		if d.DeclaredPort != nil {
			used[*d.DeclaredPort] = true
		}
	}
	return used
}

// Snapshot renders the registry as structured operator-facing data.
func (r *Registry) Snapshot() api.FleetSnapshot {
	descs := r.Descriptors()
	insts := r.Instances()

	snap := api.FleetSnapshot{
		TakenAt:     time.Now(),
		Descriptors: make([]api.DescriptorInfo, 0, len(descs)),
		Instances:   make([]api.InstanceInfo, 0, len(insts)),
		Health:      make(map[string][]api.HealthEntry),
	}
	for _, d := range descs {
		snap.Descriptors = append(snap.Descriptors, api.DescriptorInfo{
			ID:           d.ID,
			Path:         d.Path,
			Kind:         d.Kind,
			DeclaredPort: d.DeclaredPort,
			Protocol:     d.Protocol,
			Description:  d.Description,
			AutoStart:    d.AutoStart,
		})
	}
	for _, inst := range insts {
		snap.Instances = append(snap.Instances, api.InstanceInfo{
			DescriptorID:      inst.DescriptorID,
			Index:             inst.Index,
			Port:              inst.Port,
			PID:               inst.PID,
			Status:            inst.Status,
			RestartCount:      inst.RestartCount,
			ShouldBeRunning:   inst.ShouldBeRunning,
			StartedAt:         inst.StartedAt,
			LastHealthCheckAt: inst.LastHealthCheckAt,
		})
		key := Key{inst.DescriptorID, inst.Index}
		for _, rec := range r.Health(key) {
			snap.Health[key.String()] = append(snap.Health[key.String()], api.HealthEntry{
				Time:    rec.Time,
				Verdict: rec.Verdict,
				Detail:  rec.Detail,
			})
		}
	}
	return snap
}
