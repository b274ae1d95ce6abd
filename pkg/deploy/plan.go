package deploy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/topo/pkg/types"
)

// Plan is the order in which services are materialized. Steps run one
// after another; the services inside one step have no dependency on each
// other and share no host port, volume or network, so they may run
// concurrently.
type Plan struct {
	Steps [][]*types.Service
}

// Order returns the service identities in the order they are attempted
func (p *Plan) Order() []string {
	var names []string
	for _, step := range p.Steps {
		for _, svc := range step {
			names = append(names, svc.Name)
		}
	}
	return names
}

// Reverse returns the services in teardown order
func (p *Plan) Reverse() []*types.Service {
	var out []*types.Service
	for i := len(p.Steps) - 1; i >= 0; i-- {
		step := p.Steps[i]
		for j := len(step) - 1; j >= 0; j-- {
			out = append(out, step[j])
		}
	}
	return out
}

// NewPlan orders the services of d. Dependencies come first; among the
// services that become ready together, those with persistent mounts go
// first, then declaration order. Without parallel every step holds one
// service.
func NewPlan(d *types.Descriptor, parallel bool) (*Plan, error) {
	position := make(map[string]int, len(d.Services))
	for i, svc := range d.Services {
		position[svc.Name] = i
	}

	indegree := make(map[string]int, len(d.Services))
	dependents := make(map[string][]string)
	for _, svc := range d.Services {
		for _, dep := range svc.DependencyNames() {
			if _, ok := position[dep]; !ok {
				return nil, &types.DanglingReferenceError{Service: svc.Name, Kind: "service", Name: dep}
			}
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var ready []*types.Service
	for _, svc := range d.Services {
		if indegree[svc.Name] == 0 {
			ready = append(ready, svc)
		}
	}

	plan := &Plan{}
	placed := 0
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			a, b := ready[i], ready[j]
			if a.HasPersistentMounts() != b.HasPersistentMounts() {
				return a.HasPersistentMounts()
			}
			return position[a.Name] < position[b.Name]
		})

		if parallel {
			plan.Steps = append(plan.Steps, disjointGroups(ready)...)
		} else {
			for _, svc := range ready {
				plan.Steps = append(plan.Steps, []*types.Service{svc})
			}
		}
		placed += len(ready)

		var next []*types.Service
		for _, svc := range ready {
			for _, name := range dependents[svc.Name] {
				indegree[name]--
				if indegree[name] == 0 {
					next = append(next, d.Service(name))
				}
			}
		}
		ready = next
	}

	if placed != len(d.Services) {
		var stuck []string
		for _, svc := range d.Services {
			if indegree[svc.Name] > 0 {
				stuck = append(stuck, svc.Name)
			}
		}
		return nil, &types.MalformedDescriptorError{
			Field:  "depends_on",
			Reason: fmt.Sprintf("circular dependency among %s", strings.Join(stuck, ", ")),
		}
	}
	return plan, nil
}

// disjointGroups splits an ordered batch into consecutive groups whose
// members claim no common resource
func disjointGroups(batch []*types.Service) [][]*types.Service {
	var groups [][]*types.Service
	var current []*types.Service
	claimed := make(map[string]bool)

	for _, svc := range batch {
		keys := resourceKeys(svc)
		clash := false
		for _, k := range keys {
			if claimed[k] {
				clash = true
				break
			}
		}
		if clash {
			groups = append(groups, current)
			current = nil
			claimed = make(map[string]bool)
		}
		current = append(current, svc)
		for _, k := range keys {
			claimed[k] = true
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func resourceKeys(svc *types.Service) []string {
	var keys []string
	for _, p := range svc.Ports {
		if p.Published() {
			keys = append(keys, fmt.Sprintf("port:%d/%s", p.HostPort, p.Proto()))
		}
	}
	for _, m := range svc.Volumes {
		if m.Type == types.MountTypeBind {
			keys = append(keys, "bind:"+m.Source)
		} else {
			keys = append(keys, "volume:"+m.Source)
		}
	}
	for _, n := range svc.Networks {
		keys = append(keys, "network:"+n)
	}
	return keys
}
