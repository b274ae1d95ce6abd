package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/types"
)

func svc(name string, networks []string, deps ...string) *types.Service {
	s := &types.Service{Name: name, Image: name + ":latest", Networks: networks}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, types.Dependency{Service: d, Condition: types.ConditionServiceStarted})
	}
	return s
}

func TestNewPlan_DependenciesFirst(t *testing.T) {
	d := &types.Descriptor{Services: []*types.Service{
		svc("web", []string{"default"}, "api"),
		svc("api", []string{"default"}, "db", "cache"),
		svc("cache", []string{"default"}),
		svc("db", []string{"default"}),
	}}

	plan, err := NewPlan(d, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "api", "web"}, plan.Order())
	for _, step := range plan.Steps {
		assert.Len(t, step, 1)
	}

	var reversed []string
	for _, s := range plan.Reverse() {
		reversed = append(reversed, s.Name)
	}
	assert.Equal(t, []string{"web", "api", "db", "cache"}, reversed)
}

func TestNewPlan_PersistentMountsFirst(t *testing.T) {
	app := svc("app", []string{"internal"})
	app.Ports = []types.PortMapping{{HostPort: 8001, ContainerPort: 8000}}
	db := svc("db", []string{"internal"})
	db.Ports = []types.PortMapping{{HostPort: 54320, ContainerPort: 5432}}
	db.Volumes = []types.VolumeMount{{Type: types.MountTypeBind, Source: "./pgdata", Target: "/var/lib/postgresql/data"}}

	plan, err := NewPlan(&types.Descriptor{Services: []*types.Service{app, db}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "app"}, plan.Order())
}

func TestNewPlan_ParallelGroups(t *testing.T) {
	a := svc("a", []string{"n1"})
	a.Ports = []types.PortMapping{{HostPort: 9001, ContainerPort: 80}}
	b := svc("b", []string{"n2"})
	b.Ports = []types.PortMapping{{HostPort: 9002, ContainerPort: 80}}
	c := svc("c", []string{"n2"}) // shares n2 with b
	e := svc("e", []string{"n3"}, "a")

	plan, err := NewPlan(&types.Descriptor{Services: []*types.Service{a, b, c, e}}, true)
	require.NoError(t, err)

	var steps [][]string
	for _, step := range plan.Steps {
		var names []string
		for _, s := range step {
			names = append(names, s.Name)
		}
		steps = append(steps, names)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"e"}}, steps)
}

func TestNewPlan_SharedHostPortSplits(t *testing.T) {
	a := svc("a", []string{"n1"})
	a.Ports = []types.PortMapping{{HostPort: 53, ContainerPort: 53, Protocol: "udp"}}
	b := svc("b", []string{"n2"})
	b.Ports = []types.PortMapping{{HostPort: 53, ContainerPort: 53, Protocol: "tcp"}}
	c := svc("c", []string{"n3"})
	c.Volumes = []types.VolumeMount{{Type: types.MountTypeVolume, Source: "data", Target: "/data"}}
	e := svc("e", []string{"n4"})
	e.Volumes = []types.VolumeMount{{Type: types.MountTypeVolume, Source: "data", Target: "/data"}}

	plan, err := NewPlan(&types.Descriptor{Services: []*types.Service{a, b, c, e}}, true)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	// Mount owners lead; the two services sharing volume data never run together
	assert.Equal(t, "c", plan.Steps[0][0].Name)
	assert.Equal(t, "e", plan.Steps[1][0].Name)
	assert.Len(t, plan.Steps[1], 3, "udp and tcp on the same host port do not clash")
}

func TestNewPlan_Cycle(t *testing.T) {
	d := &types.Descriptor{Services: []*types.Service{
		svc("a", nil, "b"),
		svc("b", nil, "a"),
		svc("c", nil),
	}}
	_, err := NewPlan(d, false)
	assert.ErrorIs(t, err, types.ErrMalformed)
	assert.Contains(t, err.Error(), "a, b")
}

func TestNewPlan_UnknownDependency(t *testing.T) {
	_, err := NewPlan(&types.Descriptor{Services: []*types.Service{svc("a", nil, "ghost")}}, false)
	assert.ErrorIs(t, err, types.ErrDanglingReference)
}
