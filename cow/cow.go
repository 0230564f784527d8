// Package cow provides the copy-on-write substrate the storage engine
// consumes for branching and time-travel reads: a commit log, content
// addressed trees and blob storage, persisted in a single bbolt file. The
// encoding here is internal to this package; the storage engine depends
// only on the Repository interface surface.
package cow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// DefaultBranch is the branch commits land on when none is named.
const DefaultBranch = "main"

// Bucket names inside the bbolt file.
var (
	bucketCommits  = []byte("commits")
	bucketTrees    = []byte("trees")
	bucketBlobs    = []byte("blobs")
	bucketBranches = []byte("branches")
)

// Commit is one immutable snapshot reference.
type Commit struct {
	ID        string `json:"id"`
	Parent    string `json:"parent,omitempty"`
	Branch    string `json:"branch"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
	TreeID    string `json:"treeId"`
}

// CommitLog resolves commits by id and branch head.
type CommitLog interface {
	GetCommit(id string) (*Commit, error)
	HeadCommit(branch string) (*Commit, error)
}

// TreeReader resolves a commit's tree: a mapping from object name to blob
// id.
type TreeReader interface {
	GetTree(treeID string) (map[string]string, error)
}

// BlobReader resolves blob content by id.
type BlobReader interface {
	GetBlob(blobID string) ([]byte, error)
}

// Repository is the full surface the storage engine consumes.
type Repository interface {
	CommitLog
	TreeReader
	BlobReader
}

// Store persists commits, trees and blobs in one bbolt file. Blobs and
// trees are content addressed by SHA-256, so identical content across
// commits is stored once.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path, creating parent directories as
// needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cow directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cow store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCommits, bucketTrees, bucketBlobs, bucketBranches} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCommit snapshots a set of named objects onto a branch and advances
// its head. The tree and every blob are content addressed; unchanged
// content is shared with prior commits.
func (s *Store) CreateCommit(branch, message string, files map[string][]byte) (string, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	tree := make(map[string]string, len(files))
	commit := Commit{
		ID:        uuid.NewString(),
		Branch:    branch,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		for name, content := range files {
			blobID := contentAddress(content)
			if blobs.Get([]byte(blobID)) == nil {
				if err := blobs.Put([]byte(blobID), content); err != nil {
					return fmt.Errorf("failed to store blob %s: %w", name, err)
				}
			}
			tree[name] = blobID
		}

		treeData, err := marshalTree(tree)
		if err != nil {
			return err
		}
		commit.TreeID = contentAddress(treeData)
		trees := tx.Bucket(bucketTrees)
		if trees.Get([]byte(commit.TreeID)) == nil {
			if err := trees.Put([]byte(commit.TreeID), treeData); err != nil {
				return fmt.Errorf("failed to store tree: %w", err)
			}
		}

		branches := tx.Bucket(bucketBranches)
		if head := branches.Get([]byte(branch)); head != nil {
			commit.Parent = string(head)
		}
		commitData, err := json.Marshal(&commit)
		if err != nil {
			return fmt.Errorf("failed to marshal commit: %w", err)
		}
		if err := tx.Bucket(bucketCommits).Put([]byte(commit.ID), commitData); err != nil {
			return fmt.Errorf("failed to store commit: %w", err)
		}
		if err := branches.Put([]byte(branch), []byte(commit.ID)); err != nil {
			return fmt.Errorf("failed to advance branch %s: %w", branch, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return commit.ID, nil
}

// GetCommit returns a commit by id, or an error when it does not exist.
func (s *Store) GetCommit(id string) (*Commit, error) {
	var commit Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommits).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("commit not found: %s", id)
		}
		return json.Unmarshal(data, &commit)
	})
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// HeadCommit returns the latest commit on a branch.
func (s *Store) HeadCommit(branch string) (*Commit, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	var head string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBranches).Get([]byte(branch))
		if data == nil {
			return fmt.Errorf("branch not found: %s", branch)
		}
		head = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCommit(head)
}

// GetTree returns a tree's name -> blob id mapping.
func (s *Store) GetTree(treeID string) (map[string]string, error) {
	var ordered [][2]string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTrees).Get([]byte(treeID))
		if data == nil {
			return fmt.Errorf("tree not found: %s", treeID)
		}
		return json.Unmarshal(data, &ordered)
	})
	if err != nil {
		return nil, err
	}
	tree := make(map[string]string, len(ordered))
	for _, entry := range ordered {
		tree[entry[0]] = entry[1]
	}
	return tree, nil
}

// GetBlob returns blob content by id.
func (s *Store) GetBlob(blobID string) ([]byte, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(blobID))
		if data == nil {
			return fmt.Errorf("blob not found: %s", blobID)
		}
		content = make([]byte, len(data))
		copy(content, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Branches lists all branch names.
func (s *Store) Branches() ([]string, error) {
	var branches []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(k, v []byte) error {
			branches = append(branches, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(branches)
	return branches, nil
}

// contentAddress is the SHA-256 hex digest used as blob and tree identity.
func contentAddress(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// marshalTree produces a deterministic encoding so identical trees share
// one content address regardless of map iteration order.
func marshalTree(tree map[string]string) ([]byte, error) {
	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make([][2]string, len(names))
	for i, name := range names {
		ordered[i] = [2]string{name, tree[name]}
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}
	return data, nil
}

var _ Repository = (*Store)(nil)
