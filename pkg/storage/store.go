package storage

import (
	"errors"

	"github.com/cuemby/topo/pkg/types"
)

// ErrNotFound is returned when a project or revision has no record
var ErrNotFound = errors.New("not found")

// Store records the outcome of every apply, per project
type Store interface {
	// SaveRevision appends a revision to its project's history
	SaveRevision(rev *types.Revision) error

	// GetRevision returns one revision by ID
	GetRevision(project, id string) (*types.Revision, error)

	// ListRevisions returns a project's revisions, oldest first
	ListRevisions(project string) ([]*types.Revision, error)

	// LatestRevision returns the most recent revision of a project
	LatestRevision(project string) (*types.Revision, error)

	// ListProjects returns the names of projects with at least one revision
	ListProjects() ([]string, error)

	// DeleteProject forgets a project's history
	DeleteProject(project string) error

	Close() error
}
