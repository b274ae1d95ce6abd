package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/topo/pkg/types"
)

// DefaultNetwork is the network services join when they declare none
const DefaultNetwork = "default"

var (
	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// LoadOptions controls how a descriptor document is interpreted
type LoadOptions struct {
	// ProjectName overrides the document's name field
	ProjectName string

	// BaseDir is the directory relative paths are resolved against (default: working directory)
	BaseDir string
}

// rawDocument mirrors the descriptor YAML. Services stay a node so duplicate
// identities can be reported instead of being rejected by the decoder.
type rawDocument struct {
	Name     string                 `yaml:"name"`
	Services yaml.Node              `yaml:"services"`
	Networks map[string]*rawNetwork `yaml:"networks"`
	Volumes  map[string]*rawVolume  `yaml:"volumes"`
}

type rawNetwork struct {
	External bool   `yaml:"external"`
	Driver   string `yaml:"driver"`
	Internal bool   `yaml:"internal"`
}

type rawVolume struct {
	External bool   `yaml:"external"`
	Driver   string `yaml:"driver"`
}

type rawService struct {
	Image       string            `yaml:"image"`
	Build       yaml.Node         `yaml:"build"`
	Ports       []yaml.Node       `yaml:"ports"`
	Environment yaml.Node         `yaml:"environment"`
	EnvFile     yaml.Node         `yaml:"env_file"`
	EnvSchema   string            `yaml:"env_schema"`
	Volumes     []yaml.Node       `yaml:"volumes"`
	Networks    yaml.Node         `yaml:"networks"`
	DependsOn   yaml.Node         `yaml:"depends_on"`
	HealthCheck *rawHealthCheck   `yaml:"healthcheck"`
	Command     yaml.Node         `yaml:"command"`
	Restart     string            `yaml:"restart"`
	Optional    bool              `yaml:"optional"`
	Labels      map[string]string `yaml:"labels"`
}

type rawHealthCheck struct {
	Type        string `yaml:"type"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	StartPeriod string `yaml:"start_period"`
}

// LoadFile reads and parses a descriptor file. Relative paths in the
// descriptor are resolved against the file's directory.
func LoadFile(path string, opts LoadOptions) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	if opts.BaseDir == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve descriptor directory: %w", err)
		}
		opts.BaseDir = abs
	}

	return Load(bytes.NewReader(data), opts)
}

// Load parses a structured document into an unvalidated topology
func Load(r io.Reader, opts LoadOptions) (*Topology, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &types.MalformedDescriptorError{Field: "document", Reason: "empty document"}
		}
		return nil, &types.MalformedDescriptorError{Field: "document", Reason: err.Error()}
	}

	var raw rawDocument
	if err := root.Decode(&raw); err != nil {
		return nil, &types.MalformedDescriptorError{Field: "document", Reason: err.Error()}
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		baseDir = wd
	}

	name, err := projectName(opts.ProjectName, raw.Name, baseDir)
	if err != nil {
		return nil, err
	}

	d := &types.Descriptor{
		Name:     name,
		BaseDir:  baseDir,
		Networks: make(map[string]*types.Network),
		Volumes:  make(map[string]*types.Volume),
	}

	for netName, rn := range raw.Networks {
		n := &types.Network{Name: netName}
		if rn != nil {
			n.External = rn.External
			n.Driver = rn.Driver
			n.Internal = rn.Internal
		}
		d.Networks[netName] = n
	}

	for volName, rv := range raw.Volumes {
		v := &types.Volume{Name: volName}
		if rv != nil {
			v.External = rv.External
			v.Driver = rv.Driver
		}
		d.Volumes[volName] = v
	}

	if err := loadServices(d, &raw.Services); err != nil {
		return nil, err
	}

	if err := checkHostPorts(d); err != nil {
		return nil, err
	}

	return New(d), nil
}

func projectName(override, declared, baseDir string) (string, error) {
	name := override
	if name == "" {
		name = declared
	}
	if name == "" {
		name = filepath.Base(baseDir)
	}
	name = strings.ToLower(name)

	if !projectNamePattern.MatchString(name) {
		return "", &types.MalformedDescriptorError{
			Field:  "name",
			Reason: fmt.Sprintf("project name %q must be lower-case letters, digits, '-' or '_'", name),
		}
	}
	return name, nil
}

func loadServices(d *types.Descriptor, node *yaml.Node) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return &types.MalformedDescriptorError{Field: "services", Reason: "must be a mapping of identity to service"}
	}

	seen := make(map[string]bool)
	needsDefault := false

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		name := strings.TrimSpace(keyNode.Value)

		if name == "" {
			return &types.MalformedDescriptorError{
				Field:  "services",
				Reason: fmt.Sprintf("service at line %d has no identity", keyNode.Line),
			}
		}
		if !serviceNamePattern.MatchString(name) {
			return &types.MalformedDescriptorError{Service: name, Field: "identity", Reason: "invalid characters"}
		}
		if seen[name] {
			return &types.DuplicateIdentityError{Kind: "service", Key: name, Services: []string{name, name}}
		}
		seen[name] = true

		var rs rawService
		if valueNode.Kind != 0 && !isNull(valueNode) {
			if err := valueNode.Decode(&rs); err != nil {
				return &types.MalformedDescriptorError{Service: name, Field: "service", Reason: err.Error()}
			}
		}

		svc, err := buildService(name, &rs)
		if err != nil {
			return err
		}
		if len(svc.Networks) == 0 {
			svc.Networks = []string{DefaultNetwork}
			needsDefault = true
		}
		d.Services = append(d.Services, svc)
	}

	// Services without networks share the project default network, owned by the descriptor
	if needsDefault {
		if _, ok := d.Networks[DefaultNetwork]; !ok {
			d.Networks[DefaultNetwork] = &types.Network{Name: DefaultNetwork}
		}
	}

	return nil
}

func buildService(name string, rs *rawService) (*types.Service, error) {
	svc := &types.Service{
		Name:      name,
		Image:     strings.TrimSpace(rs.Image),
		EnvSchema: rs.EnvSchema,
		Optional:  rs.Optional,
		Labels:    rs.Labels,
	}

	build, err := parseBuild(name, &rs.Build)
	if err != nil {
		return nil, err
	}
	svc.Build = build

	// Exactly one of image and build context
	switch {
	case svc.Image == "" && svc.Build == nil:
		return nil, &types.MalformedDescriptorError{Service: name, Field: "image", Reason: "one of image or build is required"}
	case svc.Image != "" && svc.Build != nil:
		return nil, &types.MalformedDescriptorError{Service: name, Field: "image", Reason: "image and build are mutually exclusive"}
	}

	for _, pn := range rs.Ports {
		pm, err := parsePortNode(&pn)
		if err != nil {
			return nil, &types.MalformedDescriptorError{Service: name, Field: "ports", Reason: err.Error()}
		}
		svc.Ports = append(svc.Ports, pm)
	}

	if svc.Environment, err = parseEnvironment(name, &rs.Environment); err != nil {
		return nil, err
	}

	if svc.EnvFiles, err = stringOrList(&rs.EnvFile); err != nil {
		return nil, &types.MalformedDescriptorError{Service: name, Field: "env_file", Reason: err.Error()}
	}

	if svc.EnvSchema != "" && svc.EnvSchema != SchemaNone {
		if LookupEnvSchema(svc.EnvSchema) == nil {
			return nil, &types.MalformedDescriptorError{
				Service: name,
				Field:   "env_schema",
				Reason:  fmt.Sprintf("unknown schema %q", svc.EnvSchema),
			}
		}
	}

	for _, vn := range rs.Volumes {
		m, err := parseMountNode(&vn)
		if err != nil {
			return nil, &types.MalformedDescriptorError{Service: name, Field: "volumes", Reason: err.Error()}
		}
		svc.Volumes = append(svc.Volumes, m)
	}

	if svc.Networks, err = namesOf(&rs.Networks); err != nil {
		return nil, &types.MalformedDescriptorError{Service: name, Field: "networks", Reason: err.Error()}
	}

	if svc.DependsOn, err = parseDependsOn(&rs.DependsOn); err != nil {
		return nil, &types.MalformedDescriptorError{Service: name, Field: "depends_on", Reason: err.Error()}
	}

	if rs.HealthCheck != nil {
		hc, err := parseHealthCheck(rs.HealthCheck)
		if err != nil {
			return nil, &types.MalformedDescriptorError{Service: name, Field: "healthcheck", Reason: err.Error()}
		}
		svc.HealthCheck = hc
	}

	if svc.Command, err = parseCommand(&rs.Command); err != nil {
		return nil, &types.MalformedDescriptorError{Service: name, Field: "command", Reason: err.Error()}
	}

	if svc.Restart, err = parseRestart(rs.Restart); err != nil {
		return nil, &types.MalformedDescriptorError{Service: name, Field: "restart", Reason: err.Error()}
	}

	return svc, nil
}

// checkHostPorts enforces deployment-wide uniqueness of published host ports
func checkHostPorts(d *types.Descriptor) error {
	owners := make(map[string]string)
	for _, svc := range d.Services {
		for _, p := range svc.Ports {
			if !p.Published() {
				continue
			}
			key := fmt.Sprintf("%d/%s", p.HostPort, p.Proto())
			if owner, ok := owners[key]; ok {
				return &types.DuplicateIdentityError{
					Kind:     "host port",
					Key:      key,
					Services: []string{owner, svc.Name},
				}
			}
			owners[key] = svc.Name
		}
	}
	return nil
}
