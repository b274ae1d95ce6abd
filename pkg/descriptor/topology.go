package descriptor

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/topo/pkg/types"
)

// State is the position of a topology in its lifecycle
type State int

const (
	StateLoaded State = iota
	StateValidated
	StateResolved
	StateApplied
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "unvalidated"
	case StateValidated:
		return "validated"
	case StateResolved:
		return "resolved"
	case StateApplied:
		return "applied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Topology wraps a loaded descriptor and tracks its progression from
// unvalidated through validated and resolved to applied.
//
// Load, Validate and Resolve mutate the topology and are not safe for
// concurrent use; once resolved it is only read.
type Topology struct {
	Descriptor *types.Descriptor

	state State
	env   map[string]types.Environment
}

// New wraps an already-built descriptor in an unvalidated topology
func New(d *types.Descriptor) *Topology {
	return &Topology{Descriptor: d, state: StateLoaded}
}

// State returns the current lifecycle state
func (t *Topology) State() State {
	return t.state
}

// Project returns the project name
func (t *Topology) Project() string {
	return t.Descriptor.Name
}

// Environment returns the resolved environment of a service.
// It is empty until Resolve succeeds.
func (t *Topology) Environment(service string) types.Environment {
	return t.env[service]
}

// MarkApplied records that the topology has been handed to a runtime
func (t *Topology) MarkApplied() {
	if t.state >= StateResolved {
		t.state = StateApplied
	}
}

// HostPath returns the absolute host path of a bind mount source
func (t *Topology) HostPath(m types.VolumeMount) string {
	if m.Type != types.MountTypeBind {
		return ""
	}
	if filepath.IsAbs(m.Source) {
		return filepath.Clean(m.Source)
	}
	return filepath.Join(t.Descriptor.BaseDir, m.Source)
}

func (t *Topology) requireState(min State, op string) error {
	if t.state < min {
		return fmt.Errorf("cannot %s a topology that is %s (must be %s first)", op, t.state, min)
	}
	return nil
}
