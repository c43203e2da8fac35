package api

import "time"

// api contains the public types of the operator surface. Any CLI, dashboard
// or TUI can be layered on these without touching the supervisor internals.

// ServerKind classifies a discovered server program.
type ServerKind string

const (
	KindHTTP      ServerKind = "http"
	KindMCPStdio  ServerKind = "mcp-stdio"
	KindWebSocket ServerKind = "websocket"
	KindGateway   ServerKind = "gateway"
	KindDesktop   ServerKind = "desktop"
	KindUnknown   ServerKind = "unknown"
)

// Protocol is the health-check transport hint for a server.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolStdio     Protocol = "stdio"
	ProtocolNone      Protocol = ""
)

// Status is the lifecycle state of a server instance.
type Status string

const (
	StatusDiscovered  Status = "discovered"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusUnhealthy   Status = "unhealthy"
	StatusStopped     Status = "stopped"
	StatusRestarting  Status = "restarting"
	StatusQuarantined Status = "quarantined"
)

// Verdict is the outcome of a single health check.
type Verdict string

const (
	VerdictHealthy     Verdict = "healthy"
	VerdictStopped     Verdict = "stopped"
	VerdictUnreachable Verdict = "unreachable"
	VerdictError       Verdict = "error"
)

// DescriptorInfo is the wire form of a discovered server descriptor.
type DescriptorInfo struct {
	ID           string     `json:"id" yaml:"id"`
	Path         string     `json:"path" yaml:"path"`
	Kind         ServerKind `json:"kind" yaml:"kind"`
	DeclaredPort *int       `json:"declared_port,omitempty" yaml:"declared_port,omitempty"`
	Protocol     Protocol   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	AutoStart    bool       `json:"auto_start" yaml:"auto_start"`
}

// InstanceInfo is the wire form of one running (or stopped) instance.
type InstanceInfo struct {
	DescriptorID      string    `json:"descriptor_id" yaml:"descriptor_id"`
	Index             int       `json:"index" yaml:"index"`
	Port              int       `json:"port" yaml:"port"`
	PID               int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	Status            Status    `json:"status" yaml:"status"`
	RestartCount      int       `json:"restart_count" yaml:"restart_count"`
	ShouldBeRunning   bool      `json:"should_be_running" yaml:"should_be_running"`
	StartedAt         time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitempty" yaml:"last_health_check_at,omitempty"`
}

// HealthEntry is one health-history record for an instance.
type HealthEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Verdict Verdict   `json:"verdict" yaml:"verdict"`
	Detail  string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// FleetSnapshot is the full registry state as structured data.
type FleetSnapshot struct {
	TakenAt     time.Time                `json:"taken_at" yaml:"taken_at"`
	Descriptors []DescriptorInfo         `json:"descriptors" yaml:"descriptors"`
	Instances   []InstanceInfo           `json:"instances" yaml:"instances"`
	Health      map[string][]HealthEntry `json:"health,omitempty" yaml:"health,omitempty"`
}
