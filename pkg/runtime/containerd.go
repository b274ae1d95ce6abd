package runtime

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/topo/pkg/log"
	"github.com/cuemby/topo/pkg/network"
	"github.com/cuemby/topo/pkg/types"
	"github.com/cuemby/topo/pkg/volume"
)

const (
	// DefaultNamespace is the containerd namespace for topo
	DefaultNamespace = "topo"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// networkLabelPrefix marks owned networks on the namespace
	networkLabelPrefix = "io.topo.network/"
)

// ContainerdOptions configures the containerd backend
type ContainerdOptions struct {
	SocketPath  string
	Namespace   string
	VolumesPath string // Base directory of named volumes
	CNIConfDir  string // Where external networks are looked up
}

// ContainerdRuntime implements Runtime on containerd. Containers share the
// host network namespace: owned networks are bookkeeping on the containerd
// namespace, published ports are iptables redirects, and named volumes are
// local directories.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	volumes   *volume.VolumeManager
	ports     *network.HostPortPublisher
	cni       *network.CNIConfigs
	logger    zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(opts ContainerdOptions) (*ContainerdRuntime, error) {
	if opts.SocketPath == "" {
		opts.SocketPath = DefaultSocketPath
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	vm, err := volume.NewVolumeManager(opts.VolumesPath)
	if err != nil {
		return nil, err
	}

	client, err := containerd.New(opts.SocketPath)
	if err != nil {
		return nil, &types.RuntimeUnavailableError{Runtime: "containerd", Err: err}
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: opts.Namespace,
		volumes:   vm,
		ports:     network.NewHostPortPublisher(),
		cni:       network.NewCNIConfigs(opts.CNIConfDir),
		logger:    log.WithComponent("runtime.containerd"),
	}, nil
}

// Name returns "containerd"
func (r *ContainerdRuntime) Name() string { return "containerd" }

// Ping checks the daemon answers
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Version(ctx); err != nil {
		return &types.RuntimeUnavailableError{Runtime: r.Name(), Err: err}
	}
	return nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) nsLabels(ctx context.Context) (map[string]string, error) {
	labels, err := r.client.NamespaceService().Labels(ctx, r.namespace)
	if errdefs.IsNotFound(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace %s: %w", r.namespace, err)
	}
	return labels, nil
}

// NetworkExists reports whether the network is owned by a project or configured through CNI
func (r *ContainerdRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	labels, err := r.nsLabels(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := labels[networkLabelPrefix+name]; ok {
		return true, nil
	}
	return r.cni.Exists(name)
}

// CheckNetworks rejects internal networks. Every container runs in the host
// network namespace, so nothing can keep an internal network off the host,
// and distinct networks do not isolate their members from each other.
func (r *ContainerdRuntime) CheckNetworks(specs []NetworkSpec) ([]string, error) {
	var names []string
	for _, spec := range specs {
		if spec.Internal {
			return nil, &types.UnsupportedError{Runtime: r.Name(), Feature: "internal networks", Kind: "network", Name: spec.Network}
		}
		names = append(names, spec.Network)
	}
	if len(names) < 2 {
		return nil, nil
	}
	return []string{fmt.Sprintf(
		"networks %s are not isolated from each other: %s containers share the host network namespace",
		strings.Join(names, ", "), r.Name(),
	)}, nil
}

// EnsureNetwork records an owned network on the namespace
func (r *ContainerdRuntime) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, bool, error) {
	if _, err := r.CheckNetworks([]NetworkSpec{spec}); err != nil {
		return "", false, err
	}
	exists, err := r.NetworkExists(ctx, spec.Name)
	if err != nil {
		return "", false, err
	}
	if exists {
		return spec.Name, false, nil
	}

	store := r.client.NamespaceService()
	key := networkLabelPrefix + spec.Name
	if err := store.Create(ctx, r.namespace, map[string]string{key: spec.Project}); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return "", false, fmt.Errorf("create namespace %s: %w", r.namespace, err)
		}
		if err := store.SetLabel(ctx, r.namespace, key, spec.Project); err != nil {
			return "", false, fmt.Errorf("record network %s: %w", spec.Name, err)
		}
	}
	return spec.Name, true, nil
}

// RemoveNetwork drops an owned network
func (r *ContainerdRuntime) RemoveNetwork(ctx context.Context, name string) error {
	labels, err := r.nsLabels(ctx)
	if err != nil {
		return err
	}
	if _, ok := labels[networkLabelPrefix+name]; !ok {
		return nil
	}
	// An empty value deletes the label
	if err := r.client.NamespaceService().SetLabel(ctx, r.namespace, networkLabelPrefix+name, ""); err != nil {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether the volume directory exists
func (r *ContainerdRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	return r.volumes.VolumeExists(name)
}

// EnsureVolume creates the volume directory
func (r *ContainerdRuntime) EnsureVolume(ctx context.Context, spec VolumeSpec) (bool, error) {
	return r.volumes.CreateVolume(spec.Driver, spec.Name)
}

// RemoveVolume deletes the volume directory
func (r *ContainerdRuntime) RemoveVolume(ctx context.Context, name string) error {
	return r.volumes.DeleteVolume(volume.DefaultDriver, name)
}

// InspectService returns the container of a service, or nil
func (r *ContainerdRuntime) InspectService(ctx context.Context, project, service string) (*ServiceState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	c, err := r.client.LoadContainer(ctx, ContainerName(project, service))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load container %s: %w", ContainerName(project, service), err)
	}
	return r.containerState(ctx, c)
}

// ListServices returns the project's containers
func (r *ContainerdRuntime) ListServices(ctx context.Context, project string) ([]*ServiceState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==%s", LabelProject, project))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make([]*ServiceState, 0, len(containers))
	for _, c := range containers {
		state, err := r.containerState(ctx, c)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	sortStates(states)
	return states, nil
}

func (r *ContainerdRuntime) containerState(ctx context.Context, c containerd.Container) (*ServiceState, error) {
	labels, err := c.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels of %s: %w", c.ID(), err)
	}

	state := types.ContainerStateCreated

	// No task means the container was never started or its task was deleted
	task, err := c.Task(ctx, nil)
	if err == nil {
		status, err := task.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get task status: %w", err)
		}
		switch status.Status {
		case containerd.Running, containerd.Paused, containerd.Pausing:
			state = types.ContainerStateRunning
		case containerd.Stopped:
			if status.ExitStatus == 0 {
				state = types.ContainerStateExited
			} else {
				state = types.ContainerStateFailed
			}
		}
	}

	return stateFromLabels(c.ID(), c.ID(), labels, state), nil
}

func (r *ContainerdRuntime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	r.logger.Info().Str("image", ref).Msg("Pulling image")
	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// CreateService creates a container in the host network namespace
func (r *ContainerdRuntime) CreateService(ctx context.Context, spec *ServiceSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, qualifyImage(spec.Image))
	if err != nil {
		return "", err
	}

	mounts := make([]specs.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		source := m.Source
		if m.Type == types.MountTypeVolume {
			if source, err = r.volumes.MountPath(m.Source); err != nil {
				return "", fmt.Errorf("service %q: %w", spec.Service, err)
			}
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		mounts = append(mounts, specs.Mount{
			Source:      source,
			Destination: m.Target,
			Type:        "bind",
			Options:     []string{"rbind", mode},
		})
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
		oci.WithMounts(mounts),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ContainerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartService starts a new task for the container, replacing an exited one
func (r *ContainerdRuntime) StartService(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if old, err := container.Task(ctx, nil); err == nil {
		if _, err := old.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete previous task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// PublishPorts redirects published host ports that differ from the container port
func (r *ContainerdRuntime) PublishPorts(ctx context.Context, state *ServiceState) error {
	return r.ports.PublishPorts(state.ID, state.Ports)
}

// StopService stops a running container
func (r *ContainerdRuntime) StopService(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	// Wait must be registered before the signal is sent
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	// Try graceful shutdown first (SIGTERM)
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveService removes a container, its snapshot and its port redirects.
// The redirects are derived from the container's ports label, so they are
// found even when another process published them.
func (r *ContainerdRuntime) RemoveService(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to read labels of %s: %w", id, err)
	}
	if err := r.ports.UnpublishPorts(id, DecodePorts(labels[LabelPorts])); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to remove port redirects")
	}

	if err := r.StopService(ctx, id, DefaultStopTimeout); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// qualifyImage expands short references the way the Docker CLI does: "postgres:16" -> "docker.io/library/postgres:16"
func qualifyImage(ref string) string {
	first, _, hasSlash := strings.Cut(ref, "/")
	if !hasSlash {
		return "docker.io/library/" + ref
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return ref
	}
	return "docker.io/" + ref
}
