package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/types"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "projects-db", ContainerName("projects", "db"))
	assert.Equal(t, "projects_internal", NetworkName("projects", &types.Network{Name: "internal"}))
	assert.Equal(t, "internal", NetworkName("projects", &types.Network{Name: "internal", External: true}))
	assert.Equal(t, "projects_pgdata", VolumeName("projects", &types.Volume{Name: "pgdata"}))
	assert.Equal(t, "pgdata", VolumeName("projects", &types.Volume{Name: "pgdata", External: true}))
}

func TestServiceLabels(t *testing.T) {
	ports := []types.PortMapping{{HostPort: 54320, ContainerPort: 5432}}
	labels := ServiceLabels("projects", "db", "postgres:16", ports, map[string]string{
		"team":       "platform",
		LabelProject: "spoofed",
	})

	assert.Equal(t, "projects", labels[LabelProject])
	assert.Equal(t, "db", labels[LabelService])
	assert.Equal(t, "postgres:16", labels[LabelImage])
	assert.Equal(t, "platform", labels["team"])
	assert.Equal(t, ports, DecodePorts(labels[LabelPorts]))
}

func TestDecodePorts(t *testing.T) {
	assert.Nil(t, DecodePorts(""))
	assert.Nil(t, DecodePorts("not json"))
	assert.Empty(t, DecodePorts(EncodePorts(nil)))
}

func TestQualifyImage(t *testing.T) {
	tests := map[string]string{
		"postgres:16":                   "docker.io/library/postgres:16",
		"bitnami/postgresql:16":         "docker.io/bitnami/postgresql:16",
		"ghcr.io/acme/app:1.0":          "ghcr.io/acme/app:1.0",
		"localhost:5000/projects-app":   "localhost:5000/projects-app",
		"registry.local/projects-app":   "registry.local/projects-app",
		"docker.io/library/postgres:16": "docker.io/library/postgres:16",
	}
	for in, want := range tests {
		assert.Equal(t, want, qualifyImage(in), in)
	}
}

func TestDockerState(t *testing.T) {
	assert.Equal(t, types.ContainerStateRunning, dockerState("running", 0))
	assert.Equal(t, types.ContainerStateRunning, dockerState("restarting", 1))
	assert.Equal(t, types.ContainerStateCreated, dockerState("created", 0))
	assert.Equal(t, types.ContainerStateExited, dockerState("exited", 0))
	assert.Equal(t, types.ContainerStateFailed, dockerState("exited", 137))
	assert.Equal(t, types.ContainerStateFailed, dockerState("dead", 0))
}

func TestDockerRestart(t *testing.T) {
	assert.Equal(t, container.RestartPolicyDisabled, dockerRestart(types.RestartNo))
	assert.Equal(t, container.RestartPolicyDisabled, dockerRestart(""))
	assert.Equal(t, container.RestartPolicyAlways, dockerRestart(types.RestartAlways))
	assert.Equal(t, container.RestartPolicyOnFailure, dockerRestart(types.RestartOnFailure))
	assert.Equal(t, container.RestartPolicyUnlessStopped, dockerRestart(types.RestartUnlessStopped))
}

func TestMemoryRuntime_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt := NewMemoryRuntime()

	require.NoError(t, rt.Ping(ctx))

	_, created, err := rt.EnsureNetwork(ctx, NetworkSpec{Name: "projects_internal"})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = rt.EnsureNetwork(ctx, NetworkSpec{Name: "projects_internal"})
	require.NoError(t, err)
	assert.False(t, created)

	spec := &ServiceSpec{
		Project:       "projects",
		Service:       "db",
		ContainerName: "projects-db",
		Image:         "postgres:16",
		Ports:         []types.PortMapping{{HostPort: 54320, ContainerPort: 5432}},
		Networks:      []NetworkAttachment{{Name: "projects_internal", Aliases: []string{"db"}}},
	}
	id, err := rt.CreateService(ctx, spec)
	require.NoError(t, err)

	state, err := rt.InspectService(ctx, "projects", "db")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.ContainerStateCreated, state.State)

	require.NoError(t, rt.StartService(ctx, id))
	state, _ = rt.InspectService(ctx, "projects", "db")
	assert.True(t, state.Running())

	require.NoError(t, rt.PublishPorts(ctx, state))
	assert.True(t, rt.Published(id))

	// A second container claiming the same host port is rejected
	_, err = rt.CreateService(ctx, &ServiceSpec{
		Project: "other", Service: "db", ContainerName: "other-db", Image: "postgres:16",
		Ports: []types.PortMapping{{HostPort: 54320, ContainerPort: 5432}},
	})
	assert.Error(t, err)

	assert.Error(t, rt.RemoveService(ctx, id), "running containers cannot be removed")
	require.NoError(t, rt.StopService(ctx, id, DefaultStopTimeout))
	require.NoError(t, rt.RemoveService(ctx, id))

	state, err = rt.InspectService(ctx, "projects", "db")
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.Equal(t, []string{
		"create-network projects_internal",
		"create db",
		"start db",
		"publish db",
		"stop db",
		"remove db",
	}, rt.Calls())
	assert.Equal(t, 1, rt.Count("create"))
}

func TestMemoryRuntime_Unavailable(t *testing.T) {
	rt := NewMemoryRuntime()
	rt.SetUnavailable(errors.New("connection refused"))

	err := rt.Ping(context.Background())
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMemoryRuntime_ListServices(t *testing.T) {
	ctx := context.Background()
	rt := NewMemoryRuntime()

	for _, svc := range []string{"db", "app"} {
		_, err := rt.CreateService(ctx, &ServiceSpec{Project: "projects", Service: svc, ContainerName: ContainerName("projects", svc)})
		require.NoError(t, err)
	}
	_, err := rt.CreateService(ctx, &ServiceSpec{Project: "other", Service: "db", ContainerName: "other-db"})
	require.NoError(t, err)

	states, err := rt.ListServices(ctx, "projects")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "app", states[0].Service)
	assert.Equal(t, "db", states[1].Service)
}

func TestContainerdRuntime_CheckNetworks(t *testing.T) {
	r := &ContainerdRuntime{}

	warnings, err := r.CheckNetworks([]NetworkSpec{{Name: "projects_default", Network: "default"}})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	warnings, err = r.CheckNetworks([]NetworkSpec{
		{Name: "projects_back", Network: "back"},
		{Name: "projects_front", Network: "front"},
	})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "networks back, front are not isolated")

	_, err = r.CheckNetworks([]NetworkSpec{
		{Name: "projects_front", Network: "front"},
		{Name: "projects_internal", Network: "internal", Internal: true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnsupported))

	var unsupported *types.UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "containerd", unsupported.Runtime)
	assert.Equal(t, "internal", unsupported.Name)
}
