package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/topo/pkg/types"
)

// MemoryRuntime is an in-process Runtime. It backs dry runs and tests;
// nothing it "creates" exists outside the process.
type MemoryRuntime struct {
	mu sync.Mutex

	networks   map[string]string // name -> id
	volumes    map[string]bool
	containers map[string]*memContainer // id -> container
	byName     map[string]string        // container name -> id
	published  map[string]bool
	calls      []string

	unavailable error

	// FailCreate and FailStart make the named service's create or start fail
	FailCreate map[string]error
	FailStart  map[string]error

	// BeforeCreate, when set, runs before each service container is created
	BeforeCreate func(ctx context.Context, spec *ServiceSpec)
}

type memContainer struct {
	spec  *ServiceSpec
	state types.ContainerState
}

// NewMemoryRuntime creates an empty in-memory runtime
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		networks:   make(map[string]string),
		volumes:    make(map[string]bool),
		containers: make(map[string]*memContainer),
		byName:     make(map[string]string),
		published:  make(map[string]bool),
		FailCreate: make(map[string]error),
		FailStart:  make(map[string]error),
	}
}

// Name returns "memory"
func (r *MemoryRuntime) Name() string { return "memory" }

// SetUnavailable makes every Ping fail with err (nil restores availability)
func (r *MemoryRuntime) SetUnavailable(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = err
}

// AddNetwork registers a pre-existing network, such as an external one
func (r *MemoryRuntime) AddNetwork(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks[name] = uuid.NewString()
}

// AddVolume registers a pre-existing named volume
func (r *MemoryRuntime) AddVolume(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[name] = true
}

// SetState overrides the state of a container, e.g. to simulate an exit
func (r *MemoryRuntime) SetState(project, service string, state types.ContainerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[ContainerName(project, service)]
	if !ok {
		return fmt.Errorf("no container for %s/%s", project, service)
	}
	r.containers[id].state = state
	return nil
}

// Calls returns the mutating calls made so far, in order
func (r *MemoryRuntime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded calls have the given verb
func (r *MemoryRuntime) Count(verb string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if len(c) > len(verb) && c[:len(verb)+1] == verb+" " {
			n++
		}
	}
	return n
}

// Spec returns the spec a service container was created with
func (r *MemoryRuntime) Spec(project, service string) *ServiceSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[ContainerName(project, service)]
	if !ok {
		return nil
	}
	return r.containers[id].spec
}

// Published reports whether ports were published for a container
func (r *MemoryRuntime) Published(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published[id]
}

func (r *MemoryRuntime) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// Ping fails only when the runtime was marked unavailable
func (r *MemoryRuntime) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable != nil {
		return &types.RuntimeUnavailableError{Runtime: r.Name(), Err: r.unavailable}
	}
	return nil
}

// Close is a no-op
func (r *MemoryRuntime) Close() error { return nil }

// NetworkExists reports whether the network was created or added
func (r *MemoryRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.networks[name]
	return ok, nil
}

// EnsureNetwork creates the network if missing
func (r *MemoryRuntime) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.networks[spec.Name]; ok {
		return id, false, nil
	}
	id := uuid.NewString()
	r.networks[spec.Name] = id
	r.record("create-network %s", spec.Name)
	return id, true, nil
}

// RemoveNetwork removes a network
func (r *MemoryRuntime) RemoveNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.networks[name]; ok {
		delete(r.networks, name)
		r.record("remove-network %s", name)
	}
	return nil
}

// VolumeExists reports whether the volume was created or added
func (r *MemoryRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumes[name], nil
}

// EnsureVolume creates the volume if missing
func (r *MemoryRuntime) EnsureVolume(ctx context.Context, spec VolumeSpec) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.volumes[spec.Name] {
		return false, nil
	}
	r.volumes[spec.Name] = true
	r.record("create-volume %s", spec.Name)
	return true, nil
}

// RemoveVolume removes a volume
func (r *MemoryRuntime) RemoveVolume(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.volumes[name] {
		delete(r.volumes, name)
		r.record("remove-volume %s", name)
	}
	return nil
}

func (r *MemoryRuntime) stateOf(id string, c *memContainer) *ServiceState {
	return &ServiceState{
		ID:      id,
		Name:    c.spec.ContainerName,
		Project: c.spec.Project,
		Service: c.spec.Service,
		Image:   c.spec.Image,
		Ports:   append([]types.PortMapping(nil), c.spec.Ports...),
		State:   c.state,
	}
}

// InspectService returns the container of a service, or nil
func (r *MemoryRuntime) InspectService(ctx context.Context, project, service string) (*ServiceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[ContainerName(project, service)]
	if !ok {
		return nil, nil
	}
	return r.stateOf(id, r.containers[id]), nil
}

// ListServices returns the project's containers
func (r *MemoryRuntime) ListServices(ctx context.Context, project string) ([]*ServiceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var states []*ServiceState
	for id, c := range r.containers {
		if c.spec.Project == project {
			states = append(states, r.stateOf(id, c))
		}
	}
	sortStates(states)
	return states, nil
}

// CreateService records a created container
func (r *MemoryRuntime) CreateService(ctx context.Context, spec *ServiceSpec) (string, error) {
	if r.BeforeCreate != nil {
		r.BeforeCreate(ctx, spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.FailCreate[spec.Service]; err != nil {
		return "", err
	}
	if _, ok := r.byName[spec.ContainerName]; ok {
		return "", fmt.Errorf("container name %q already in use", spec.ContainerName)
	}
	for _, n := range spec.Networks {
		if _, ok := r.networks[n.Name]; !ok {
			return "", fmt.Errorf("network %s not found", n.Name)
		}
	}
	for _, p := range spec.Ports {
		if !p.Published() {
			continue
		}
		for id, c := range r.containers {
			if c.state != types.ContainerStateRunning && c.state != types.ContainerStateCreated {
				continue
			}
			for _, q := range c.spec.Ports {
				if q.HostPort == p.HostPort && q.Proto() == p.Proto() {
					return "", fmt.Errorf("host port %d already allocated by %s", p.HostPort, id)
				}
			}
		}
	}

	id := uuid.NewString()
	r.containers[id] = &memContainer{spec: spec, state: types.ContainerStateCreated}
	r.byName[spec.ContainerName] = id
	r.record("create %s", spec.Service)
	return id, nil
}

// StartService marks a container running
func (r *MemoryRuntime) StartService(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	if err := r.FailStart[c.spec.Service]; err != nil {
		c.state = types.ContainerStateFailed
		return err
	}
	c.state = types.ContainerStateRunning
	r.record("start %s", c.spec.Service)
	return nil
}

// PublishPorts records that ports were published
func (r *MemoryRuntime) PublishPorts(ctx context.Context, state *ServiceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.published[state.ID] {
		return nil
	}
	r.published[state.ID] = true
	r.record("publish %s", state.Service)
	return nil
}

// StopService marks a container exited
func (r *MemoryRuntime) StopService(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	if c.state == types.ContainerStateRunning {
		c.state = types.ContainerStateExited
		r.record("stop %s", c.spec.Service)
	}
	return nil
}

// RemoveService forgets a container
func (r *MemoryRuntime) RemoveService(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	if c.state == types.ContainerStateRunning {
		return errors.New("cannot remove a running container")
	}
	delete(r.containers, id)
	delete(r.byName, c.spec.ContainerName)
	delete(r.published, id)
	r.record("remove %s", c.spec.Service)
	return nil
}
