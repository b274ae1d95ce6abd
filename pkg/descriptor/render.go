package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/topo/pkg/types"
)

type renderDocument struct {
	Name     string                   `yaml:"name"`
	Networks map[string]renderNetwork `yaml:"networks,omitempty"`
	Volumes  map[string]renderVolume  `yaml:"volumes,omitempty"`
	Services map[string]renderService `yaml:"services"`
}

type renderNetwork struct {
	External bool   `yaml:"external,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
	Internal bool   `yaml:"internal,omitempty"`
}

type renderVolume struct {
	External bool   `yaml:"external,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
}

type renderService struct {
	Image       string                     `yaml:"image"`
	Build       *renderBuild               `yaml:"build,omitempty"`
	Command     []string                   `yaml:"command,omitempty"`
	Environment map[string]string          `yaml:"environment,omitempty"`
	Ports       []string                   `yaml:"ports,omitempty"`
	Volumes     []string                   `yaml:"volumes,omitempty"`
	Networks    []string                   `yaml:"networks"`
	DependsOn   map[string]renderCondition `yaml:"depends_on,omitempty"`
	HealthCheck *renderHealthCheck         `yaml:"healthcheck,omitempty"`
	Restart     string                     `yaml:"restart,omitempty"`
	Optional    bool                       `yaml:"optional,omitempty"`
	Labels      map[string]string          `yaml:"labels,omitempty"`
}

type renderBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
	Tag        string `yaml:"tag,omitempty"`
}

type renderCondition struct {
	Condition string `yaml:"condition"`
}

type renderHealthCheck struct {
	Type        string `yaml:"type"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path,omitempty"`
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	StartPeriod string `yaml:"start_period,omitempty"`
}

// Render returns the canonical YAML form of a resolved topology.
// Secret values are replaced by types.RedactedValue.
func (t *Topology) Render() ([]byte, error) {
	if err := t.requireState(StateResolved, "render"); err != nil {
		return nil, err
	}

	d := t.Descriptor
	doc := renderDocument{
		Name:     d.Name,
		Services: make(map[string]renderService, len(d.Services)),
	}

	if len(d.Networks) > 0 {
		doc.Networks = make(map[string]renderNetwork, len(d.Networks))
		for name, n := range d.Networks {
			doc.Networks[name] = renderNetwork{External: n.External, Driver: n.Driver, Internal: n.Internal}
		}
	}
	if len(d.Volumes) > 0 {
		doc.Volumes = make(map[string]renderVolume, len(d.Volumes))
		for name, v := range d.Volumes {
			doc.Volumes[name] = renderVolume{External: v.External, Driver: v.Driver}
		}
	}

	for _, svc := range d.Services {
		rs := renderService{
			Image:       svc.ImageRef(d.Name),
			Command:     svc.Command,
			Environment: t.env[svc.Name].Redacted(),
			Networks:    svc.Networks,
			Optional:    svc.Optional,
			Labels:      svc.Labels,
		}
		if svc.Restart != types.RestartNo {
			rs.Restart = string(svc.Restart)
		}
		if svc.Build != nil {
			rs.Build = &renderBuild{Context: svc.Build.Context, Dockerfile: svc.Build.Dockerfile, Tag: svc.Build.Tag}
		}
		for _, p := range svc.Ports {
			rs.Ports = append(rs.Ports, p.String())
		}
		for _, m := range svc.Volumes {
			rs.Volumes = append(rs.Volumes, m.String())
		}
		if len(svc.DependsOn) > 0 {
			rs.DependsOn = make(map[string]renderCondition, len(svc.DependsOn))
			for _, dep := range svc.DependsOn {
				rs.DependsOn[dep.Service] = renderCondition{Condition: string(dep.Condition)}
			}
		}
		if hc := svc.HealthCheck; hc != nil {
			rs.HealthCheck = &renderHealthCheck{
				Type:     string(hc.Type),
				Port:     hc.Port,
				Path:     hc.Path,
				Interval: hc.Interval.String(),
				Timeout:  hc.Timeout.String(),
				Retries:  hc.Retries,
			}
			if hc.StartPeriod > 0 {
				rs.HealthCheck.StartPeriod = hc.StartPeriod.String()
			}
		}
		doc.Services[svc.Name] = rs
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render topology: %w", err)
	}
	return out, nil
}

// Digest returns the hex sha256 of the rendered topology
func (t *Topology) Digest() (string, error) {
	out, err := t.Render()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}
