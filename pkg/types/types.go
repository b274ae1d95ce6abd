package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Descriptor is the declared topology of one deployment unit (a project)
type Descriptor struct {
	Name     string
	BaseDir  string // Directory relative host paths and env files are resolved against
	Services []*Service
	Networks map[string]*Network
	Volumes  map[string]*Volume
}

// Service returns the service with the given identity, or nil
func (d *Descriptor) Service(name string) *Service {
	for _, svc := range d.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// NetworkNames returns the declared network names in sorted order
func (d *Descriptor) NetworkNames() []string {
	names := make([]string, 0, len(d.Networks))
	for name := range d.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VolumeNames returns the declared named volumes in sorted order
func (d *Descriptor) VolumeNames() []string {
	names := make([]string, 0, len(d.Volumes))
	for name := range d.Volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service represents one deployable unit
type Service struct {
	Name        string
	Image       string        // Image reference (exclusive with Build)
	Build       *BuildContext // Build context (exclusive with Image)
	Ports       []PortMapping
	Environment []EnvBinding
	EnvFiles    []string
	EnvSchema   string // Name of the env schema, empty means inferred from the image
	Volumes     []VolumeMount
	Networks    []string // Empty means the project default network
	DependsOn   []Dependency
	HealthCheck *HealthCheck
	Command     []string
	Restart     RestartPolicy
	Optional    bool // Optional services do not fail the deployment
	Labels      map[string]string
}

// ImageRef returns the image the runtime materializes the service from.
// Services with a build context use the tag the build is expected to produce.
func (s *Service) ImageRef(project string) string {
	if s.Image != "" {
		return s.Image
	}
	if s.Build != nil && s.Build.Tag != "" {
		return s.Build.Tag
	}
	return fmt.Sprintf("%s-%s:latest", project, s.Name)
}

// Binding returns the environment binding for key, or nil
func (s *Service) Binding(key string) *EnvBinding {
	for i := range s.Environment {
		if s.Environment[i].Key == key {
			return &s.Environment[i]
		}
	}
	return nil
}

// HasPersistentMounts reports whether the service mounts any host path or named volume
func (s *Service) HasPersistentMounts() bool {
	return len(s.Volumes) > 0
}

// DependencyNames returns the identities the service depends on
func (s *Service) DependencyNames() []string {
	names := make([]string, 0, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		names = append(names, dep.Service)
	}
	return names
}

// BuildContext describes where a service image is built from
type BuildContext struct {
	Context    string
	Dockerfile string
	Tag        string
}

// PortMapping defines port exposure
type PortMapping struct {
	HostIP        string
	HostPort      int // Port on the host (0 = not published)
	ContainerPort int // Port inside container (target port)
	Protocol      string
}

// Published reports whether the mapping binds a host port
func (p PortMapping) Published() bool {
	return p.HostPort > 0
}

// Proto returns the protocol, defaulting to tcp
func (p PortMapping) Proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return strings.ToLower(p.Protocol)
}

// String renders the mapping in compose short syntax
func (p PortMapping) String() string {
	var b strings.Builder
	if p.HostIP != "" {
		b.WriteString(p.HostIP)
		b.WriteString(":")
	}
	if p.Published() {
		fmt.Fprintf(&b, "%d:", p.HostPort)
	}
	fmt.Fprintf(&b, "%d/%s", p.ContainerPort, p.Proto())
	return b.String()
}

// PortsEqual compares two port sets regardless of order
func PortsEqual(a, b []PortMapping) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, p := range a {
		seen[p.String()]++
	}
	for _, p := range b {
		seen[p.String()]--
		if seen[p.String()] < 0 {
			return false
		}
	}
	return true
}

// EnvSource defines where an environment binding gets its value from
type EnvSource string

const (
	EnvLiteral  EnvSource = "literal"  // Explicit per-service value
	EnvInherit  EnvSource = "inherit"  // Key without value, taken from the operator environment
	EnvTemplate EnvSource = "template" // Value with ${VAR} / ${VAR:-default} references
)

// EnvBinding is one environment variable injected into a service
type EnvBinding struct {
	Key    string
	Value  string
	Source EnvSource
}

// EnvKind classifies a recognized environment key
type EnvKind string

const (
	EnvKindPlain      EnvKind = "plain"
	EnvKindCredential EnvKind = "credential"
	EnvKindSecret     EnvKind = "secret"
)

// EnvVar is a resolved environment variable
type EnvVar struct {
	Key    string
	Value  string
	Secret bool
}

// Environment is a resolved, key-sorted environment
type Environment []EnvVar

// Get returns the value for key
func (e Environment) Get(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Strings returns KEY=VALUE pairs for the runtime
func (e Environment) Strings() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Key+"="+v.Value)
	}
	return out
}

// Redacted returns the environment as a map with secret values masked
func (e Environment) Redacted() map[string]string {
	out := make(map[string]string, len(e))
	for _, v := range e {
		if v.Secret {
			out[v.Key] = RedactedValue
			continue
		}
		out[v.Key] = v.Value
	}
	return out
}

// RedactedValue replaces secret values wherever they would be displayed or stored
const RedactedValue = "***REDACTED***"

// MountType defines the kind of volume mount
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
)

// VolumeMount defines a volume mount point
type VolumeMount struct {
	Type     MountType
	Source   string // Host path (bind) or volume name (volume)
	Target   string // Container path
	ReadOnly bool
}

// String renders the mount in compose short syntax
func (m VolumeMount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// Network represents a named isolation domain
type Network struct {
	Name     string
	External bool // Lifecycle managed outside the descriptor
	Driver   string
	Internal bool
}

// Volume represents a named persistent volume
type Volume struct {
	Name     string
	External bool
	Driver   string
}

// DependencyCondition defines what a dependent waits for
type DependencyCondition string

const (
	ConditionServiceStarted DependencyCondition = "service_started"
	ConditionServiceHealthy DependencyCondition = "service_healthy"
)

// Dependency is an explicit ordering edge
type Dependency struct {
	Service   string
	Condition DependencyCondition
}

// HealthCheckType defines the type of readiness probe
type HealthCheckType string

const (
	HealthCheckTCP      HealthCheckType = "tcp"
	HealthCheckHTTP     HealthCheckType = "http"
	HealthCheckPostgres HealthCheckType = "postgres"
)

// HealthCheck defines how readiness of a service is probed from the host
type HealthCheck struct {
	Type        HealthCheckType
	Port        int    // Container port; probed through its published host port
	Path        string // For http type
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// RestartPolicy defines container restart behavior
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// ServiceStatus is the per-service outcome of an apply
type ServiceStatus string

const (
	StatusCreated        ServiceStatus = "created"
	StatusAlreadyRunning ServiceStatus = "already-running"
	StatusFailed         ServiceStatus = "failed"
	StatusSkipped        ServiceStatus = "skipped"
)

// Succeeded reports whether the status counts as materialized
func (s ServiceStatus) Succeeded() bool {
	return s == StatusCreated || s == StatusAlreadyRunning
}

// ContainerState is the materialized state reported by a runtime
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateExited  ContainerState = "exited"
	ContainerStateFailed  ContainerState = "failed"
)

// Revision is one recorded apply of a descriptor
type Revision struct {
	ID        string
	Project   string
	Digest    string // sha256 of the canonical descriptor
	Runtime   string
	AppliedAt time.Time
	Succeeded bool
	Services  []*ServiceRecord
}

// ServiceRecord is the stored outcome of one service in a revision
type ServiceRecord struct {
	Name        string
	Image       string
	Status      ServiceStatus
	ContainerID string
	Reason      string
	Ports       []string
	Environment map[string]string // Secrets redacted
}
