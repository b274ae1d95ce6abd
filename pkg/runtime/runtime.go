package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/topo/pkg/types"
)

// Labels attached to every container, network and volume topo creates
const (
	LabelProject = "io.topo.project"
	LabelService = "io.topo.service"
	LabelImage   = "io.topo.image"
	LabelPorts   = "io.topo.ports"
	LabelNetwork = "io.topo.network"
	LabelVolume  = "io.topo.volume"
)

// DefaultStopTimeout is the grace period before a stopping container is killed
const DefaultStopTimeout = 10 * time.Second

// Runtime is the container runtime topo materializes a topology on.
// Services are keyed by project and service identity; containers,
// networks and volumes are addressed by their runtime names.
type Runtime interface {
	// Name identifies the backend ("docker", "containerd", "memory")
	Name() string

	// Ping verifies the runtime is reachable
	Ping(ctx context.Context) error

	// NetworkExists reports whether a network with the runtime name exists
	NetworkExists(ctx context.Context, name string) (bool, error)

	// EnsureNetwork creates the network if missing and returns its ID
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (id string, created bool, err error)

	// RemoveNetwork removes a network; removing a missing network is not an error
	RemoveNetwork(ctx context.Context, name string) error

	// VolumeExists reports whether a named volume exists
	VolumeExists(ctx context.Context, name string) (bool, error)

	// EnsureVolume creates the named volume if missing
	EnsureVolume(ctx context.Context, spec VolumeSpec) (created bool, err error)

	// RemoveVolume removes a named volume; removing a missing volume is not an error
	RemoveVolume(ctx context.Context, name string) error

	// InspectService returns the container of a service, or nil if there is none
	InspectService(ctx context.Context, project, service string) (*ServiceState, error)

	// ListServices returns every container of a project
	ListServices(ctx context.Context, project string) ([]*ServiceState, error)

	// CreateService creates (without starting) the container of a service
	CreateService(ctx context.Context, spec *ServiceSpec) (id string, err error)

	// StartService starts a created or exited container
	StartService(ctx context.Context, id string) error

	// PublishPorts exposes a started container's host ports
	PublishPorts(ctx context.Context, state *ServiceState) error

	// StopService stops a container, killing it after timeout
	StopService(ctx context.Context, id string, timeout time.Duration) error

	// RemoveService removes a stopped container
	RemoveService(ctx context.Context, id string) error

	// Close releases the runtime connection
	Close() error
}

// NetworkChecker is implemented by runtimes that cannot honour every
// network option. CheckNetworks gets the owned networks of a project before
// anything is created; it rejects what the runtime cannot provide and
// returns warnings for what it provides only in part.
type NetworkChecker interface {
	CheckNetworks(specs []NetworkSpec) (warnings []string, err error)
}

// NetworkSpec describes a network to create
type NetworkSpec struct {
	Name     string // Runtime name
	Project  string
	Network  string // Name in the descriptor
	Driver   string
	Internal bool
}

// VolumeSpec describes a named volume to create
type VolumeSpec struct {
	Name    string // Runtime name
	Project string
	Volume  string // Name in the descriptor
	Driver  string
}

// NetworkAttachment joins a container to a network under DNS aliases
type NetworkAttachment struct {
	Name    string // Runtime name
	Aliases []string
}

// ServiceSpec is everything a runtime needs to create a service container
type ServiceSpec struct {
	Project       string
	Service       string
	ContainerName string
	Image         string
	Env           []string // KEY=VALUE
	Ports         []types.PortMapping
	Mounts        []types.VolumeMount // Sources are absolute host paths or runtime volume names
	Networks      []NetworkAttachment
	Command       []string
	Restart       types.RestartPolicy
	Labels        map[string]string
}

// ServiceState is the materialized status of a service container
type ServiceState struct {
	ID      string
	Name    string // Container name
	Project string
	Service string
	Image   string
	Ports   []types.PortMapping
	State   types.ContainerState
}

// Running reports whether the container is running
func (s *ServiceState) Running() bool {
	return s.State == types.ContainerStateRunning
}

// ContainerName returns the runtime name of a service container
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s-%s", project, service)
}

// NetworkName returns the runtime name of a network. External networks keep their name.
func NetworkName(project string, n *types.Network) string {
	if n.External {
		return n.Name
	}
	return fmt.Sprintf("%s_%s", project, n.Name)
}

// VolumeName returns the runtime name of a named volume. External volumes keep their name.
func VolumeName(project string, v *types.Volume) string {
	if v.External {
		return v.Name
	}
	return fmt.Sprintf("%s_%s", project, v.Name)
}

// ServiceLabels returns the labels identifying a service container
func ServiceLabels(project, service, image string, ports []types.PortMapping, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+4)
	for k, v := range extra {
		labels[k] = v
	}
	labels[LabelProject] = project
	labels[LabelService] = service
	labels[LabelImage] = image
	labels[LabelPorts] = EncodePorts(ports)
	return labels
}

// EncodePorts serializes port mappings for the ports label
func EncodePorts(ports []types.PortMapping) string {
	if len(ports) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodePorts parses the ports label; a missing or invalid label yields no ports
func DecodePorts(label string) []types.PortMapping {
	if label == "" {
		return nil
	}
	var ports []types.PortMapping
	if err := json.Unmarshal([]byte(label), &ports); err != nil {
		return nil
	}
	return ports
}

// stateFromLabels fills identity fields of a ServiceState from container labels
func stateFromLabels(id, name string, labels map[string]string, state types.ContainerState) *ServiceState {
	return &ServiceState{
		ID:      id,
		Name:    name,
		Project: labels[LabelProject],
		Service: labels[LabelService],
		Image:   labels[LabelImage],
		Ports:   DecodePorts(labels[LabelPorts]),
		State:   state,
	}
}

func sortStates(states []*ServiceState) {
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
}
