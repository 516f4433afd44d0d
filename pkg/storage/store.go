package storage

import (
	"io"

	"github.com/agentcom/agentcom/pkg/types"
)

// Store defines the interface for durable hub state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Tasks
	PutTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	DeleteTask(id string) error

	// Dead letter
	PutDeadLetter(task *types.Task) error
	GetDeadLetter(id string) (*types.Task, error)
	ListDeadLetters() ([]*types.Task, error)
	DeleteDeadLetter(id string) error
	// MoveToDeadLetter removes the task from the main table and writes
	// it to the dead-letter table in one transaction.
	MoveToDeadLetter(task *types.Task) error

	// Goals
	PutGoal(goal *types.Goal) error
	GetGoal(id string) (*types.Goal, error)
	ListGoals() ([]*types.Goal, error)
	DeleteGoal(id string) error

	// Endpoints
	PutEndpoint(ep *types.Endpoint) error
	GetEndpoint(id string) (*types.Endpoint, error)
	ListEndpoints() ([]*types.Endpoint, error)
	DeleteEndpoint(id string) error

	// Repo registry. The whole ordered list lives under one key so a
	// reorder is a single atomic write.
	PutRepoList(repos []*types.RepoEntry) error
	GetRepoList() ([]*types.RepoEntry, error)

	// Auth tokens (token -> agent id)
	PutToken(token, agentID string) error
	GetToken(token string) (string, error)
	DeleteToken(token string) error
	ListTokens() (map[string]string, error)

	// Utility
	Backup(w io.Writer) (int64, error)
	Close() error
}
