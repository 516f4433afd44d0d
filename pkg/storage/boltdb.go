package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/agentcom/agentcom/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks      = []byte("tasks")
	bucketDeadLetter = []byte("dead_letter")
	bucketGoals      = []byte("goals")
	bucketEndpoints  = []byte("endpoints")
	bucketRepos      = []byte("repos")
	bucketTokens     = []byte("tokens")

	// repoListKey holds the entire ordered repo list under one key.
	repoListKey = []byte("registry")
)

// ErrNotFound is returned when a key does not exist in its table.
var ErrNotFound = errors.New("not found")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agentcom.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketDeadLetter,
			bucketGoals,
			bucketEndpoints,
			bucketRepos,
			bucketTokens,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
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

// Backup streams a consistent snapshot of the database to w.
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Task operations

func (s *BoltStore) PutTask(task *types.Task) error {
	return s.putJSON(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := s.getJSON(bucketTasks, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.delete(bucketTasks, id)
}

// Dead letter operations

func (s *BoltStore) PutDeadLetter(task *types.Task) error {
	return s.putJSON(bucketDeadLetter, task.ID, task)
}

func (s *BoltStore) GetDeadLetter(id string) (*types.Task, error) {
	var task types.Task
	if err := s.getJSON(bucketDeadLetter, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListDeadLetters() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) DeleteDeadLetter(id string) error {
	return s.delete(bucketDeadLetter, id)
}

// MoveToDeadLetter removes the task from the main table and writes it
// to the dead-letter table in the same transaction, so a crash can
// never lose the task or leave it in both tables.
func (s *BoltStore) MoveToDeadLetter(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Delete([]byte(task.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetter).Put([]byte(task.ID), data)
	})
}

// Goal operations

func (s *BoltStore) PutGoal(goal *types.Goal) error {
	return s.putJSON(bucketGoals, goal.ID, goal)
}

func (s *BoltStore) GetGoal(id string) (*types.Goal, error) {
	var goal types.Goal
	if err := s.getJSON(bucketGoals, id, &goal); err != nil {
		return nil, err
	}
	return &goal, nil
}

func (s *BoltStore) ListGoals() ([]*types.Goal, error) {
	var goals []*types.Goal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGoals)
		return b.ForEach(func(k, v []byte) error {
			var goal types.Goal
			if err := json.Unmarshal(v, &goal); err != nil {
				return err
			}
			goals = append(goals, &goal)
			return nil
		})
	})
	return goals, err
}

func (s *BoltStore) DeleteGoal(id string) error {
	return s.delete(bucketGoals, id)
}

// Endpoint operations

func (s *BoltStore) PutEndpoint(ep *types.Endpoint) error {
	return s.putJSON(bucketEndpoints, ep.ID, ep)
}

func (s *BoltStore) GetEndpoint(id string) (*types.Endpoint, error) {
	var ep types.Endpoint
	if err := s.getJSON(bucketEndpoints, id, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *BoltStore) ListEndpoints() ([]*types.Endpoint, error) {
	var eps []*types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		return b.ForEach(func(k, v []byte) error {
			var ep types.Endpoint
			if err := json.Unmarshal(v, &ep); err != nil {
				return err
			}
			eps = append(eps, &ep)
			return nil
		})
	})
	return eps, err
}

func (s *BoltStore) DeleteEndpoint(id string) error {
	return s.delete(bucketEndpoints, id)
}

// Repo registry operations

func (s *BoltStore) PutRepoList(repos []*types.RepoEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(repos)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRepos).Put(repoListKey, data)
	})
}

func (s *BoltStore) GetRepoList() ([]*types.RepoEntry, error) {
	var repos []*types.RepoEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepos).Get(repoListKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &repos)
	})
	return repos, err
}

// Token operations

func (s *BoltStore) PutToken(token, agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(token), []byte(agentID))
	})
}

func (s *BoltStore) GetToken(token string) (string, error) {
	var agentID string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(token))
		if data == nil {
			return ErrNotFound
		}
		agentID = string(data)
		return nil
	})
	return agentID, err
}

func (s *BoltStore) DeleteToken(token string) error {
	return s.delete(bucketTokens, token)
}

func (s *BoltStore) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			tokens[string(k)] = string(v)
			return nil
		})
	})
	return tokens, err
}

// Helpers

func (s *BoltStore) putJSON(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
