package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/topo/pkg/descriptor"
	"github.com/cuemby/topo/pkg/runtime"
	"github.com/cuemby/topo/pkg/storage"
	"github.com/cuemby/topo/pkg/types"
)

// Exit codes per error class, so scripts can tell a bad descriptor from a
// runtime problem
const (
	exitFailure     = 1
	exitDescriptor  = 2
	exitConflict    = 3
	exitUnavailable = 4
	exitTimeout     = 5
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformed),
		errors.Is(err, types.ErrDuplicateIdentity),
		errors.Is(err, types.ErrDanglingReference),
		errors.Is(err, types.ErrAmbiguousOverride),
		errors.Is(err, types.ErrUnsupported):
		return exitDescriptor
	case errors.Is(err, types.ErrConflict):
		return exitConflict
	case errors.Is(err, types.ErrRuntimeUnavailable):
		return exitUnavailable
	case errors.Is(err, types.ErrTimeout):
		return exitTimeout
	default:
		return exitFailure
	}
}

func envDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func defaultStateDir() string {
	if os.Geteuid() == 0 {
		return storage.DefaultDataDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "topo")
	}
	return ".topo"
}

// loadTopology loads and validates the descriptor named by --file
func loadTopology(cmd *cobra.Command) (*descriptor.Topology, error) {
	file, _ := cmd.Flags().GetString("file")
	project, _ := cmd.Flags().GetString("project")

	topo, err := descriptor.LoadFile(file, descriptor.LoadOptions{ProjectName: project})
	if err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// resolveTopology loads, validates and resolves the descriptor against
// --env-file and the process environment
func resolveTopology(cmd *cobra.Command) (*descriptor.Topology, error) {
	topo, err := loadTopology(cmd)
	if err != nil {
		return nil, err
	}

	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" && !filepath.IsAbs(envFile) && !cmd.Flags().Changed("env-file") {
		envFile = filepath.Join(topo.Descriptor.BaseDir, envFile)
	}
	overrides, err := descriptor.LoadEnvironment(envFile, topo.Descriptor)
	if err != nil {
		return nil, err
	}

	policyName, _ := cmd.Flags().GetString("policy")
	policy, err := descriptor.ParseOverridePolicy(policyName)
	if err != nil {
		return nil, err
	}
	if err := topo.Resolve(overrides, policy); err != nil {
		return nil, err
	}
	return topo, nil
}

// newRuntime connects to the backend selected by --runtime. The memory
// backend starts out holding the topology's external networks and volumes,
// which a real runtime would already have.
func newRuntime(cmd *cobra.Command, topo *descriptor.Topology) (runtime.Runtime, error) {
	name, _ := cmd.Flags().GetString("runtime")
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		name = "memory"
	}

	switch name {
	case "docker":
		host, _ := cmd.Flags().GetString("docker-host")
		return runtime.NewDockerRuntime(host)
	case "containerd":
		socket, _ := cmd.Flags().GetString("containerd-socket")
		namespace, _ := cmd.Flags().GetString("containerd-namespace")
		stateDir, _ := cmd.Flags().GetString("state-dir")
		return runtime.NewContainerdRuntime(runtime.ContainerdOptions{
			SocketPath:  socket,
			Namespace:   namespace,
			VolumesPath: filepath.Join(stateDir, "volumes"),
		})
	case "memory":
		return seededMemoryRuntime(topo), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker, containerd or memory)", name)
	}
}

func seededMemoryRuntime(topo *descriptor.Topology) *runtime.MemoryRuntime {
	rt := runtime.NewMemoryRuntime()
	if topo == nil {
		return rt
	}
	for _, n := range topo.Descriptor.Networks {
		if n.External {
			rt.AddNetwork(n.Name)
		}
	}
	for _, v := range topo.Descriptor.Volumes {
		if v.External {
			rt.AddVolume(v.Name)
		}
	}
	return rt
}

// openStore opens the apply history under --state-dir
func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	stateDir, _ := cmd.Flags().GetString("state-dir")
	return storage.NewBoltStore(stateDir)
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
