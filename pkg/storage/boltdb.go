package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/topo/pkg/types"
)

// DefaultDataDir is where the CLI keeps its state unless told otherwise
const DefaultDataDir = "/var/lib/topo"

var (
	// revisions/<project>/<sequence> -> JSON revision
	bucketRevisions = []byte("revisions")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) topo.db in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "topo.db")

	// A second topo process holding the lock fails fast instead of hanging
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRevisions); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRevisions, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// SaveRevision appends rev under its project
func (s *BoltStore) SaveRevision(rev *types.Revision) error {
	if rev.Project == "" || rev.ID == "" {
		return fmt.Errorf("revision needs a project and an ID")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketRevisions).CreateBucketIfNotExists([]byte(rev.Project))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) forEachRevision(tx *bolt.Tx, project string, fn func(*types.Revision) error) error {
	b := tx.Bucket(bucketRevisions).Bucket([]byte(project))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var rev types.Revision
		if err := json.Unmarshal(v, &rev); err != nil {
			return fmt.Errorf("corrupt revision %x of %s: %w", k, project, err)
		}
		return fn(&rev)
	})
}

// GetRevision returns a revision by ID
func (s *BoltStore) GetRevision(project, id string) (*types.Revision, error) {
	var found *types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachRevision(tx, project, func(rev *types.Revision) error {
			if rev.ID == id {
				found = rev
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("revision %s of %s: %w", id, project, ErrNotFound)
	}
	return found, nil
}

// ListRevisions returns a project's revisions in the order they were saved
func (s *BoltStore) ListRevisions(project string) ([]*types.Revision, error) {
	var revs []*types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachRevision(tx, project, func(rev *types.Revision) error {
			revs = append(revs, rev)
			return nil
		})
	})
	return revs, err
}

// LatestRevision returns the last saved revision of a project
func (s *BoltStore) LatestRevision(project string) (*types.Revision, error) {
	var rev *types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions).Bucket([]byte(project))
		if b == nil {
			return nil
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return nil
		}
		rev = &types.Revision{}
		return json.Unmarshal(v, rev)
	})
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, fmt.Errorf("project %s: %w", project, ErrNotFound)
	}
	return rev, nil
}

// ListProjects returns every project with recorded history
func (s *BoltStore) ListProjects() ([]string, error) {
	var projects []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevisions).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				projects = append(projects, string(k))
			}
			return nil
		})
	})
	return projects, err
}

// DeleteProject removes a project's history
func (s *BoltStore) DeleteProject(project string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketRevisions).DeleteBucket([]byte(project))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
