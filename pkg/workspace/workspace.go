package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentcom/agentcom/pkg/repos"
)

// maxTreeFiles bounds the file listing embedded into decomposition
// prompts.
const maxTreeFiles = 500

// excludedDirs are never descended into when listing a repo.
var excludedDirs = map[string]bool{
	".git":         true,
	"_build":       true,
	"deps":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
}

// binaryExtensions are skipped in listings; they never help an LLM
// plan code changes.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".so": true, ".dylib": true, ".dll": true, ".exe": true,
	".beam": true, ".o": true, ".a": true, ".wasm": true,
}

// Manager resolves repo URLs to local checkout paths and lists their
// files for decomposition prompts.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at a checkout
// directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// PathFor maps a repo URL to its local checkout path. The mapping is
// deterministic: the same URL always yields the same path.
func (m *Manager) PathFor(repoURL string) string {
	return filepath.Join(m.root, repos.Slug(repoURL))
}

// FileTree returns a sorted, bounded listing of the repo's files,
// relative to the checkout root. Build output, dependency caches, VCS
// metadata, and binary files are excluded. A missing checkout returns
// an empty tree, not an error; decomposition degrades to working
// without file context.
func (m *Manager) FileTree(repoURL string) ([]string, error) {
	root := m.PathFor(repoURL)
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= maxTreeFiles {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Contains reports whether a path appears in the tree. Used to check
// file references in decomposition output.
func Contains(tree []string, path string) bool {
	path = filepath.ToSlash(strings.TrimPrefix(path, "./"))
	for _, f := range tree {
		if f == path {
			return true
		}
	}
	return false
}
