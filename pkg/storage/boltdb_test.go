package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topo/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func revision(id, project string, ok bool) *types.Revision {
	return &types.Revision{
		ID:        id,
		Project:   project,
		Digest:    "sha256:" + id,
		Runtime:   "memory",
		AppliedAt: time.Now().UTC().Truncate(time.Second),
		Succeeded: ok,
		Services: []*types.ServiceRecord{{
			Name:        "db",
			Image:       "postgres:16",
			Status:      types.StatusCreated,
			Ports:       []string{"54320:5432/tcp"},
			Environment: map[string]string{"POSTGRES_PASSWORD": types.RedactedValue},
		}},
	}
}

func TestBoltStore_Revisions(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveRevision(revision("r1", "projects", false)))
	require.NoError(t, s.SaveRevision(revision("r2", "projects", true)))
	require.NoError(t, s.SaveRevision(revision("o1", "other", true)))

	revs, err := s.ListRevisions("projects")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "r1", revs[0].ID)
	assert.Equal(t, "r2", revs[1].ID)

	latest, err := s.LatestRevision("projects")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
	assert.True(t, latest.Succeeded)
	assert.Equal(t, types.RedactedValue, latest.Services[0].Environment["POSTGRES_PASSWORD"])

	rev, err := s.GetRevision("projects", "r1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:r1", rev.Digest)

	projects, err := s.ListProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "projects"}, projects)
}

func TestBoltStore_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestRevision("absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveRevision(revision("r1", "projects", true)))
	_, err = s.GetRevision("projects", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	revs, err := s.ListRevisions("absent")
	require.NoError(t, err)
	assert.Empty(t, revs)

	assert.Error(t, s.SaveRevision(&types.Revision{Project: "projects"}))
}

func TestBoltStore_DeleteProject(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRevision(revision("r1", "projects", true)))

	require.NoError(t, s.DeleteProject("projects"))
	require.NoError(t, s.DeleteProject("projects"))

	_, err := s.LatestRevision("projects")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveRevision(revision("r1", "projects", true)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	latest, err := s.LatestRevision("projects")
	require.NoError(t, err)
	assert.Equal(t, "r1", latest.ID)
}
