package runtime

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/rs/zerolog"

	"github.com/cuemby/topo/pkg/log"
	"github.com/cuemby/topo/pkg/types"
)

// DockerRuntime implements Runtime against the Docker Engine API
type DockerRuntime struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the Docker Engine. An empty host uses
// DOCKER_HOST and the other client environment variables.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	c, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client: c,
		logger: log.WithComponent("runtime.docker"),
	}, nil
}

// Name returns "docker"
func (r *DockerRuntime) Name() string { return "docker" }

// Ping checks the engine is reachable
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx, client.PingOptions{}); err != nil {
		return &types.RuntimeUnavailableError{Runtime: r.Name(), Err: err}
	}
	return nil
}

// Close closes the engine connection
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// NetworkExists reports whether the network exists
func (r *DockerRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect network %q: %w", name, err)
}

// EnsureNetwork creates the network if it does not exist
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, bool, error) {
	inspect, err := r.client.NetworkInspect(ctx, spec.Name, client.NetworkInspectOptions{})
	if err == nil {
		return inspect.Network.ID, false, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", false, fmt.Errorf("inspect network %q: %w", spec.Name, err)
	}

	created, err := r.client.NetworkCreate(ctx, spec.Name, client.NetworkCreateOptions{
		Driver:   spec.Driver,
		Internal: spec.Internal,
		Labels: map[string]string{
			LabelProject: spec.Project,
			LabelNetwork: spec.Network,
		},
	})
	if err != nil {
		// Created concurrently: re-inspect instead of matching error strings
		if inspect, ie := r.client.NetworkInspect(ctx, spec.Name, client.NetworkInspectOptions{}); ie == nil {
			return inspect.Network.ID, false, nil
		}
		return "", false, fmt.Errorf("create network %q: %w", spec.Name, err)
	}

	r.logger.Debug().Str("network", spec.Name).Str("id", created.ID).Msg("Created network")
	return created.ID, true, nil
}

// RemoveNetwork removes a network
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := r.client.NetworkRemove(ctx, name, client.NetworkRemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove network %q: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether the named volume exists
func (r *DockerRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.VolumeInspect(ctx, name, client.VolumeInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect volume %q: %w", name, err)
}

// EnsureVolume creates the named volume if it does not exist
func (r *DockerRuntime) EnsureVolume(ctx context.Context, spec VolumeSpec) (bool, error) {
	exists, err := r.VolumeExists(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = r.client.VolumeCreate(ctx, client.VolumeCreateOptions{
		Name:   spec.Name,
		Driver: spec.Driver,
		Labels: map[string]string{
			LabelProject: spec.Project,
			LabelVolume:  spec.Volume,
		},
	})
	if err != nil {
		if _, ie := r.client.VolumeInspect(ctx, spec.Name, client.VolumeInspectOptions{}); ie == nil {
			return false, nil
		}
		return false, fmt.Errorf("create volume %q: %w", spec.Name, err)
	}
	return true, nil
}

// RemoveVolume removes a named volume
func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if _, err := r.client.VolumeRemove(ctx, name, client.VolumeRemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %q: %w", name, err)
	}
	return nil
}

// InspectService returns the container of a service, or nil
func (r *DockerRuntime) InspectService(ctx context.Context, project, service string) (*ServiceState, error) {
	name := ContainerName(project, service)
	inspect, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %q: %w", name, err)
	}

	c := inspect.Container
	var labels map[string]string
	if c.Config != nil {
		labels = c.Config.Labels
	}
	state := types.ContainerStateCreated
	if c.State != nil {
		state = dockerState(string(c.State.Status), c.State.ExitCode)
	}
	return stateFromLabels(c.ID, name, labels, state), nil
}

// ListServices returns the project's containers
func (r *DockerRuntime) ListServices(ctx context.Context, project string) ([]*ServiceState, error) {
	f := make(client.Filters).Add("label", LabelProject+"="+project)

	containers, err := r.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers (project=%s): %w", project, err)
	}

	states := make([]*ServiceState, 0, len(containers.Items))
	for _, c := range containers.Items {
		name := ContainerName(project, c.Labels[LabelService])
		states = append(states, stateFromLabels(c.ID, name, c.Labels, dockerState(string(c.State), 0)))
	}
	sortStates(states)
	return states, nil
}

// CreateService pulls the image if needed and creates the container
func (r *DockerRuntime) CreateService(ctx context.Context, spec *ServiceSpec) (string, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed := network.PortSet{}
	portMap := network.PortMap{}
	for _, p := range spec.Ports {
		port, ok := network.PortFrom(uint16(p.ContainerPort), network.IPProtocol(p.Proto()))
		if !ok {
			return "", fmt.Errorf("service %q: invalid port %s", spec.Service, p)
		}
		exposed[port] = struct{}{}

		if !p.Published() {
			continue
		}
		hostIP := p.HostIP
		if hostIP == "" {
			hostIP = "0.0.0.0"
		}
		addr, err := netip.ParseAddr(hostIP)
		if err != nil {
			return "", fmt.Errorf("service %q has invalid host ip %q: %w", spec.Service, hostIP, err)
		}
		portMap[port] = append(portMap[port], network.PortBinding{
			HostIP:   addr,
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mt := mount.TypeVolume
		if m.Type == types.MountTypeBind {
			mt = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	endpoints := make(map[string]*network.EndpointSettings, len(spec.Networks))
	for _, n := range spec.Networks {
		endpoints[n.Name] = &network.EndpointSettings{Aliases: n.Aliases}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	if len(spec.Command) > 0 {
		cfg.Cmd = spec.Command
	}

	created, err := r.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: cfg,
		HostConfig: &container.HostConfig{
			Mounts:        mounts,
			PortBindings:  portMap,
			RestartPolicy: container.RestartPolicy{Name: dockerRestart(spec.Restart)},
		},
		NetworkingConfig: &network.NetworkingConfig{EndpointsConfig: endpoints},
		Name:             spec.ContainerName,
	})
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", spec.ContainerName, err)
	}

	for _, w := range created.Warnings {
		r.logger.Warn().Str("container", spec.ContainerName).Msg(w)
	}
	return created.ID, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %q: %w", ref, err)
	}

	r.logger.Info().Str("image", ref).Msg("Pulling image")
	resp, err := r.client.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer resp.Close()

	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

// StartService starts a container
func (r *DockerRuntime) StartService(ctx context.Context, id string) error {
	if _, err := r.client.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", id, err)
	}
	return nil
}

// PublishPorts is a no-op: the engine binds host ports when the container starts
func (r *DockerRuntime) PublishPorts(ctx context.Context, state *ServiceState) error {
	return nil
}

// StopService stops a container
func (r *DockerRuntime) StopService(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if _, err := r.client.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %q: %w", id, err)
	}
	return nil
}

// RemoveService removes a container, keeping its named volumes
func (r *DockerRuntime) RemoveService(ctx context.Context, id string) error {
	_, err := r.client.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", id, err)
	}
	return nil
}

func dockerState(status string, exitCode int) types.ContainerState {
	switch status {
	case "running", "restarting", "paused":
		return types.ContainerStateRunning
	case "created":
		return types.ContainerStateCreated
	case "exited":
		if exitCode != 0 {
			return types.ContainerStateFailed
		}
		return types.ContainerStateExited
	case "dead", "removing":
		return types.ContainerStateFailed
	default:
		return types.ContainerStateExited
	}
}

func dockerRestart(p types.RestartPolicy) container.RestartPolicyMode {
	switch p {
	case types.RestartAlways:
		return container.RestartPolicyAlways
	case types.RestartOnFailure:
		return container.RestartPolicyOnFailure
	case types.RestartUnlessStopped:
		return container.RestartPolicyUnlessStopped
	default:
		return container.RestartPolicyDisabled
	}
}
