package descriptor

import (
	"fmt"
	"strings"

	"github.com/cuemby/topo/pkg/types"
)

// Validate checks referential integrity of the loaded descriptor: every
// network, volume and dependency a service references must be declared,
// dependencies must be acyclic, and schema-required environment keys
// must be bound. It performs no runtime or filesystem access.
func (t *Topology) Validate() error {
	d := t.Descriptor

	for _, svc := range d.Services {
		if err := validateService(d, svc); err != nil {
			return err
		}
	}

	if err := checkCycles(d); err != nil {
		return err
	}

	if t.state < StateValidated {
		t.state = StateValidated
	}
	return nil
}

func validateService(d *types.Descriptor, svc *types.Service) error {
	for _, name := range svc.Networks {
		if _, ok := d.Networks[name]; !ok {
			return &types.DanglingReferenceError{
				Service: svc.Name,
				Kind:    "network",
				Name:    name,
				Reason:  "not declared under networks",
			}
		}
	}

	for _, m := range svc.Volumes {
		switch m.Type {
		case types.MountTypeVolume:
			if _, ok := d.Volumes[m.Source]; !ok {
				return &types.DanglingReferenceError{
					Service: svc.Name,
					Kind:    "volume",
					Name:    m.Source,
					Reason:  "not declared under volumes",
				}
			}
		case types.MountTypeBind:
			if err := checkHostPath(m.Source); err != nil {
				return &types.MalformedDescriptorError{Service: svc.Name, Field: "volumes", Reason: err.Error()}
			}
		}
	}

	for _, dep := range svc.DependsOn {
		if dep.Service == svc.Name {
			return &types.MalformedDescriptorError{
				Service: svc.Name,
				Field:   "depends_on",
				Reason:  "service depends on itself",
			}
		}
		target := d.Service(dep.Service)
		if target == nil {
			return &types.DanglingReferenceError{
				Service: svc.Name,
				Kind:    "service",
				Name:    dep.Service,
				Reason:  "depends_on target is not declared",
			}
		}
		if dep.Condition == types.ConditionServiceHealthy && target.HealthCheck == nil {
			return &types.MalformedDescriptorError{
				Service: svc.Name,
				Field:   "depends_on",
				Reason:  fmt.Sprintf("%s has no healthcheck to satisfy service_healthy", dep.Service),
			}
		}
	}

	if hc := svc.HealthCheck; hc != nil {
		if probePort(svc, hc.Port) == 0 {
			return &types.MalformedDescriptorError{
				Service: svc.Name,
				Field:   "healthcheck",
				Reason:  fmt.Sprintf("container port %d is not published", hc.Port),
			}
		}
	}

	// Schema-required keys must be bound, unless an env_file may supply them
	if schema := SchemaFor(svc); schema != nil && len(svc.EnvFiles) == 0 {
		for _, key := range schema.Required() {
			if svc.Binding(key) == nil {
				return &types.DanglingReferenceError{
					Service: svc.Name,
					Kind:    "env",
					Name:    key,
					Reason:  fmt.Sprintf("required by the %s env schema", schema.Name),
				}
			}
		}
	}

	return nil
}

// probePort returns the host port publishing containerPort, or 0
func probePort(svc *types.Service, containerPort int) int {
	for _, p := range svc.Ports {
		if p.ContainerPort == containerPort && p.Published() && p.Proto() == "tcp" {
			return p.HostPort
		}
	}
	return 0
}

// ProbeAddress returns the host address a readiness probe for svc connects to
func ProbeAddress(svc *types.Service) (host string, port int) {
	if svc.HealthCheck == nil {
		return "", 0
	}
	for _, p := range svc.Ports {
		if p.ContainerPort == svc.HealthCheck.Port && p.Published() && p.Proto() == "tcp" {
			host = p.HostIP
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			return host, p.HostPort
		}
	}
	return "", 0
}

func checkHostPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("empty host path")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("host path %q contains a NUL byte", p)
	}
	return nil
}

// checkCycles walks depends_on edges depth first and reports the first cycle found
func checkCycles(d *types.Descriptor) error {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[string]int, len(d.Services))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return &types.MalformedDescriptorError{
				Service: name,
				Field:   "depends_on",
				Reason:  "circular dependency: " + strings.Join(cycle, " -> "),
			}
		case visited:
			return nil
		}

		state[name] = visiting
		path = append(path, name)

		if svc := d.Service(name); svc != nil {
			for _, dep := range svc.DependsOn {
				if err := visit(dep.Service); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		state[name] = visited
		return nil
	}

	for _, svc := range d.Services {
		if err := visit(svc.Name); err != nil {
			return err
		}
	}
	return nil
}
