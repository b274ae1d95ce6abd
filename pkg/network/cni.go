package network

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultCNIConfDir is where CNI network configurations are installed
const DefaultCNIConfDir = "/etc/cni/net.d"

// CNIConfigs lists network configurations installed on the host. Networks
// managed outside topo are looked up here by the containerd backend.
type CNIConfigs struct {
	dir string
}

// NewCNIConfigs reads configurations from dir (default: /etc/cni/net.d)
func NewCNIConfigs(dir string) *CNIConfigs {
	if dir == "" {
		dir = DefaultCNIConfDir
	}
	return &CNIConfigs{dir: dir}
}

type cniConf struct {
	Name string `json:"name"`
}

// Names returns the network names declared by .conf, .conflist and .json files
func (c *CNIConfigs) Names() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CNI config dir %s: %w", c.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".conf", ".conflist", ".json":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read CNI config %s: %w", e.Name(), err)
		}
		var conf cniConf
		if err := json.Unmarshal(data, &conf); err != nil || conf.Name == "" {
			continue // Not a network configuration
		}
		names = append(names, conf.Name)
	}

	sort.Strings(names)
	return names, nil
}

// Exists reports whether a configuration declares the named network
func (c *CNIConfigs) Exists(name string) (bool, error) {
	names, err := c.Names()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
