package descriptor

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/topo/pkg/types"
)

// Probe defaults applied when a healthcheck leaves them unset
const (
	DefaultProbeInterval = 2 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeRetries  = 15
	DefaultPostgresPort  = 5432
)

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func isEmpty(n *yaml.Node) bool {
	return n.Kind == 0 || isNull(n)
}

func parseBuild(service string, n *yaml.Node) (*types.BuildContext, error) {
	if isEmpty(n) {
		return nil, nil
	}

	bc := &types.BuildContext{}
	switch n.Kind {
	case yaml.ScalarNode:
		bc.Context = n.Value
	case yaml.MappingNode:
		var raw struct {
			Context    string `yaml:"context"`
			Dockerfile string `yaml:"dockerfile"`
			Tag        string `yaml:"tag"`
		}
		if err := n.Decode(&raw); err != nil {
			return nil, &types.MalformedDescriptorError{Service: service, Field: "build", Reason: err.Error()}
		}
		bc.Context, bc.Dockerfile, bc.Tag = raw.Context, raw.Dockerfile, raw.Tag
	default:
		return nil, &types.MalformedDescriptorError{Service: service, Field: "build", Reason: "must be a path or a mapping"}
	}

	if strings.TrimSpace(bc.Context) == "" {
		return nil, &types.MalformedDescriptorError{Service: service, Field: "build", Reason: "context is required"}
	}
	return bc, nil
}

func parsePortNode(n *yaml.Node) (types.PortMapping, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return ParsePort(n.Value)
	case yaml.MappingNode:
		var raw struct {
			Target    int    `yaml:"target"`
			Published int    `yaml:"published"`
			HostIP    string `yaml:"host_ip"`
			Protocol  string `yaml:"protocol"`
		}
		if err := n.Decode(&raw); err != nil {
			return types.PortMapping{}, err
		}
		pm := types.PortMapping{
			HostIP:        raw.HostIP,
			HostPort:      raw.Published,
			ContainerPort: raw.Target,
			Protocol:      raw.Protocol,
		}
		return pm, checkPort(pm)
	default:
		return types.PortMapping{}, fmt.Errorf("port must be a string or a mapping")
	}
}

// ParsePort parses the short port syntax: "8000", "8001:8000",
// "127.0.0.1:8001:8000", optionally suffixed with "/tcp" or "/udp"
func ParsePort(s string) (types.PortMapping, error) {
	var pm types.PortMapping

	spec := strings.TrimSpace(s)
	if spec == "" {
		return pm, fmt.Errorf("empty port mapping")
	}
	if idx := strings.LastIndex(spec, "/"); idx >= 0 {
		pm.Protocol = strings.ToLower(spec[idx+1:])
		spec = spec[:idx]
	}

	parts := strings.Split(spec, ":")
	var err error
	switch len(parts) {
	case 1:
		pm.ContainerPort, err = parsePortNumber(parts[0])
	case 2:
		if pm.HostPort, err = parsePortNumber(parts[0]); err == nil {
			pm.ContainerPort, err = parsePortNumber(parts[1])
		}
	case 3:
		pm.HostIP = parts[0]
		if pm.HostPort, err = parsePortNumber(parts[1]); err == nil {
			pm.ContainerPort, err = parsePortNumber(parts[2])
		}
	default:
		return pm, fmt.Errorf("invalid port mapping %q", s)
	}
	if err != nil {
		return pm, fmt.Errorf("invalid port mapping %q: %w", s, err)
	}

	return pm, checkPort(pm)
}

func parsePortNumber(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	return p, nil
}

func checkPort(pm types.PortMapping) error {
	if pm.ContainerPort < 1 || pm.ContainerPort > 65535 {
		return fmt.Errorf("container port %d out of range", pm.ContainerPort)
	}
	if pm.HostPort < 0 || pm.HostPort > 65535 {
		return fmt.Errorf("host port %d out of range", pm.HostPort)
	}
	if pm.HostIP != "" && net.ParseIP(pm.HostIP) == nil {
		return fmt.Errorf("host ip %q is not an address", pm.HostIP)
	}
	switch pm.Proto() {
	case "tcp", "udp":
	default:
		return fmt.Errorf("unsupported protocol %q", pm.Protocol)
	}
	return nil
}

// parseEnvironment accepts a mapping (KEY: value) or a list ("KEY=value").
// A key with no value inherits from the operator environment.
func parseEnvironment(service string, n *yaml.Node) ([]types.EnvBinding, error) {
	if isEmpty(n) {
		return nil, nil
	}

	var bindings []types.EnvBinding
	seen := make(map[string]bool)
	add := func(key, value string, hasValue bool) error {
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " =\t") {
			return &types.MalformedDescriptorError{
				Service: service,
				Field:   "environment",
				Reason:  fmt.Sprintf("invalid key %q", key),
			}
		}
		if seen[key] {
			return &types.MalformedDescriptorError{
				Service: service,
				Field:   "environment",
				Reason:  fmt.Sprintf("key %s bound twice", key),
			}
		}
		seen[key] = true
		bindings = append(bindings, newBinding(key, value, hasValue))
		return nil
	}

	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return nil, &types.MalformedDescriptorError{
					Service: service,
					Field:   "environment",
					Reason:  fmt.Sprintf("value of %s must be a scalar", k.Value),
				}
			}
			if err := add(k.Value, v.Value, !isNull(v)); err != nil {
				return nil, err
			}
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, &types.MalformedDescriptorError{Service: service, Field: "environment", Reason: "list entries must be strings"}
			}
			key, value, hasValue := strings.Cut(item.Value, "=")
			if err := add(key, value, hasValue); err != nil {
				return nil, err
			}
		}
	default:
		return nil, &types.MalformedDescriptorError{Service: service, Field: "environment", Reason: "must be a mapping or a list"}
	}

	return bindings, nil
}

func newBinding(key, value string, hasValue bool) types.EnvBinding {
	switch {
	case !hasValue:
		return types.EnvBinding{Key: key, Source: types.EnvInherit}
	case strings.Contains(value, "$"):
		return types.EnvBinding{Key: key, Value: value, Source: types.EnvTemplate}
	default:
		return types.EnvBinding{Key: key, Value: value, Source: types.EnvLiteral}
	}
}

func stringOrList(n *yaml.Node) ([]string, error) {
	if isEmpty(n) {
		return nil, nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a string or a list of strings")
	}
}

// namesOf accepts a list of names or a mapping keyed by name
func namesOf(n *yaml.Node) ([]string, error) {
	if isEmpty(n) {
		return nil, nil
	}
	switch n.Kind {
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	case yaml.MappingNode:
		out := make([]string, 0, len(n.Content)/2)
		for i := 0; i < len(n.Content); i += 2 {
			out = append(out, n.Content[i].Value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list or a mapping")
	}
}

func parseDependsOn(n *yaml.Node) ([]types.Dependency, error) {
	if isEmpty(n) {
		return nil, nil
	}

	var deps []types.Dependency
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			deps = append(deps, types.Dependency{Service: item.Value, Condition: types.ConditionServiceStarted})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			dep := types.Dependency{Service: n.Content[i].Value, Condition: types.ConditionServiceStarted}
			var raw struct {
				Condition string `yaml:"condition"`
			}
			if v := n.Content[i+1]; !isEmpty(v) {
				if err := v.Decode(&raw); err != nil {
					return nil, err
				}
			}
			switch types.DependencyCondition(raw.Condition) {
			case "", types.ConditionServiceStarted:
			case types.ConditionServiceHealthy:
				dep.Condition = types.ConditionServiceHealthy
			default:
				return nil, fmt.Errorf("unsupported condition %q for %s", raw.Condition, dep.Service)
			}
			deps = append(deps, dep)
		}
	default:
		return nil, fmt.Errorf("must be a list or a mapping")
	}

	seen := make(map[string]bool)
	for _, d := range deps {
		if strings.TrimSpace(d.Service) == "" {
			return nil, fmt.Errorf("empty dependency")
		}
		if seen[d.Service] {
			return nil, fmt.Errorf("dependency %s listed twice", d.Service)
		}
		seen[d.Service] = true
	}
	return deps, nil
}

// parseMountNode parses "source:target[:ro|rw]" or the long mapping form.
// Sources starting with '/', '.' or '~' are host paths, anything else names a volume.
func parseMountNode(n *yaml.Node) (types.VolumeMount, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return ParseMount(n.Value)
	case yaml.MappingNode:
		var raw struct {
			Type     string `yaml:"type"`
			Source   string `yaml:"source"`
			Target   string `yaml:"target"`
			ReadOnly bool   `yaml:"read_only"`
		}
		if err := n.Decode(&raw); err != nil {
			return types.VolumeMount{}, err
		}
		m := types.VolumeMount{
			Type:     types.MountType(raw.Type),
			Source:   raw.Source,
			Target:   raw.Target,
			ReadOnly: raw.ReadOnly,
		}
		if m.Type == "" {
			m.Type = mountTypeOf(m.Source)
		}
		return m, checkMount(m)
	default:
		return types.VolumeMount{}, fmt.Errorf("mount must be a string or a mapping")
	}
}

// ParseMount parses the short mount syntax
func ParseMount(s string) (types.VolumeMount, error) {
	parts := strings.Split(s, ":")
	var m types.VolumeMount

	switch len(parts) {
	case 1:
		return m, fmt.Errorf("anonymous volume %q is not supported, name it or bind a host path", s)
	case 2:
		m.Source, m.Target = parts[0], parts[1]
	case 3:
		m.Source, m.Target = parts[0], parts[1]
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return m, fmt.Errorf("invalid mount mode %q in %q", parts[2], s)
		}
	default:
		return m, fmt.Errorf("invalid mount %q", s)
	}

	m.Type = mountTypeOf(m.Source)
	return m, checkMount(m)
}

func mountTypeOf(source string) types.MountType {
	if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") {
		return types.MountTypeBind
	}
	return types.MountTypeVolume
}

func checkMount(m types.VolumeMount) error {
	if m.Source == "" {
		return fmt.Errorf("mount source is required")
	}
	if !path.IsAbs(m.Target) {
		return fmt.Errorf("mount target %q must be an absolute container path", m.Target)
	}
	switch m.Type {
	case types.MountTypeBind:
		if strings.HasPrefix(m.Source, "~") {
			return fmt.Errorf("host path %q: home directory expansion is not supported", m.Source)
		}
		if strings.ContainsRune(m.Source, 0) {
			return fmt.Errorf("host path %q contains a NUL byte", m.Source)
		}
	case types.MountTypeVolume:
		if !serviceNamePattern.MatchString(m.Source) {
			return fmt.Errorf("invalid volume name %q", m.Source)
		}
	default:
		return fmt.Errorf("unsupported mount type %q", m.Type)
	}
	return nil
}

func parseHealthCheck(raw *rawHealthCheck) (*types.HealthCheck, error) {
	hc := &types.HealthCheck{
		Type:     types.HealthCheckType(strings.ToLower(raw.Type)),
		Port:     raw.Port,
		Path:     raw.Path,
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
		Retries:  DefaultProbeRetries,
	}

	switch hc.Type {
	case types.HealthCheckTCP:
	case types.HealthCheckHTTP:
		if hc.Path == "" {
			hc.Path = "/"
		}
	case types.HealthCheckPostgres:
		if hc.Port == 0 {
			hc.Port = DefaultPostgresPort
		}
	case "":
		return nil, fmt.Errorf("type is required (tcp, http or postgres)")
	default:
		return nil, fmt.Errorf("unsupported type %q", raw.Type)
	}

	if hc.Port < 1 || hc.Port > 65535 {
		return nil, fmt.Errorf("port is required")
	}

	var err error
	if hc.Interval, err = durationOr(raw.Interval, hc.Interval); err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	if hc.Timeout, err = durationOr(raw.Timeout, hc.Timeout); err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if hc.StartPeriod, err = durationOr(raw.StartPeriod, 0); err != nil {
		return nil, fmt.Errorf("start_period: %w", err)
	}
	if raw.Retries > 0 {
		hc.Retries = raw.Retries
	} else if raw.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative")
	}

	return hc, nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

func parseCommand(n *yaml.Node) ([]string, error) {
	if isEmpty(n) {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode {
		return strings.Fields(n.Value), nil
	}
	return stringOrList(n)
}

func parseRestart(s string) (types.RestartPolicy, error) {
	switch p := types.RestartPolicy(s); p {
	case "":
		return types.RestartNo, nil
	case types.RestartNo, types.RestartAlways, types.RestartOnFailure, types.RestartUnlessStopped:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported policy %q", s)
	}
}
