package repos

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrRepoNotFound is returned when no registered repo matches.
	ErrRepoNotFound = errors.New("repo not found")
	// ErrNoActiveRepo is returned by Default when every entry is
	// paused or the registry is empty and no fallback is configured.
	ErrNoActiveRepo = errors.New("no active repo")
)

// Registry is the ordered list of source repositories. The whole list
// is persisted under a single key, so every mutation (including
// reorder) is one atomic write.
type Registry struct {
	store storage.Store
	mu    sync.RWMutex
	repos []*types.RepoEntry

	// fallbackURL is the legacy default_repo config value. The
	// registry wins whenever it has an active entry; the config is a
	// bootstrap fallback only.
	fallbackURL string

	logger zerolog.Logger
}

// NewRegistry loads the persisted repo list.
func NewRegistry(s storage.Store, fallbackURL string) (*Registry, error) {
	repos, err := s.GetRepoList()
	if err != nil {
		return nil, fmt.Errorf("failed to load repo registry: %w", err)
	}
	return &Registry{
		store:       s,
		repos:       repos,
		fallbackURL: fallbackURL,
		logger:      log.WithComponent("repos"),
	}, nil
}

// Slug derives the registry id from a repo URL (host/path without
// scheme or .git suffix).
func Slug(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(repoURL, ".git")
	}
	return strings.TrimSuffix(u.Host+strings.TrimSuffix(u.Path, "/"), ".git")
}

// Add registers a repo at the end of the priority order. Adding an
// already-registered URL is a no-op.
func (r *Registry) Add(repoURL, name string) (*types.RepoEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := Slug(repoURL)
	for _, e := range r.repos {
		if e.ID == id {
			return e, nil
		}
	}

	entry := &types.RepoEntry{
		ID:            id,
		URL:           repoURL,
		Name:          name,
		Status:        types.RepoActive,
		PriorityIndex: len(r.repos),
	}
	next := append(append([]*types.RepoEntry{}, r.repos...), entry)
	if err := r.persist(next); err != nil {
		return nil, err
	}
	r.logger.Info().Str("repo", id).Msg("repo registered")
	return entry, nil
}

// Remove deletes a repo from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*types.RepoEntry, 0, len(r.repos))
	found := false
	for _, e := range r.repos {
		if e.ID == id {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		return ErrRepoNotFound
	}
	renumber(next)
	return r.persist(next)
}

// MoveUp raises a repo one position in the priority order.
func (r *Registry) MoveUp(id string) error {
	return r.move(id, -1)
}

// MoveDown lowers a repo one position in the priority order.
func (r *Registry) MoveDown(id string) error {
	return r.move(id, +1)
}

func (r *Registry) move(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, e := range r.repos {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrRepoNotFound
	}
	target := idx + delta
	if target < 0 || target >= len(r.repos) {
		return nil // already at the edge
	}

	next := append([]*types.RepoEntry{}, r.repos...)
	next[idx], next[target] = next[target], next[idx]
	renumber(next)
	return r.persist(next)
}

// SetStatus pauses or unpauses a repo.
func (r *Registry) SetStatus(id string, status types.RepoStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]*types.RepoEntry, 0, len(r.repos))
	found := false
	for _, e := range r.repos {
		if e.ID == id {
			found = true
			clone := *e
			clone.Status = status
			next = append(next, &clone)
			continue
		}
		next = append(next, e)
	}
	if !found {
		return ErrRepoNotFound
	}
	return r.persist(next)
}

// Default returns the URL of the top-priority active repo. Falls back
// to the configured default only when the registry has no active
// entry.
func (r *Registry) Default() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.repos {
		if e.Status == types.RepoActive {
			return e.URL, nil
		}
	}
	if r.fallbackURL != "" {
		return r.fallbackURL, nil
	}
	return "", ErrNoActiveRepo
}

// Get returns the entry for a repo URL, or ErrRepoNotFound.
func (r *Registry) Get(repoURL string) (*types.RepoEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := Slug(repoURL)
	for _, e := range r.repos {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrRepoNotFound
}

// IsPaused reports whether a repo URL is registered and paused. A repo
// absent from the registry is never paused; such tasks stay
// schedulable.
func (r *Registry) IsPaused(repoURL string) bool {
	e, err := r.Get(repoURL)
	return err == nil && e.Status == types.RepoPaused
}

// List returns the registry in priority order.
func (r *Registry) List() []*types.RepoEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.RepoEntry, len(r.repos))
	copy(out, r.repos)
	return out
}

// persist writes the entire list under its single key and swaps the
// in-memory copy on success. Callers hold the write lock.
func (r *Registry) persist(next []*types.RepoEntry) error {
	if err := r.store.PutRepoList(next); err != nil {
		return fmt.Errorf("failed to persist repo registry: %w", err)
	}
	r.repos = next
	return nil
}

func renumber(repos []*types.RepoEntry) {
	for i, e := range repos {
		e.PriorityIndex = i
	}
}
