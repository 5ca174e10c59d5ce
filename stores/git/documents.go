// Package git keeps one repository per document and records every save as a
// commit, so a document's full flush history stays on disk.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/stores/internal/keys"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
)

const (
	stateFile = "state.bin"
	author    = "collab-server"
)

type DocumentStore struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewDocumentStore(baseDir string) (*DocumentStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}
	return &DocumentStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *DocumentStore) repoPath(name string) string {
	return filepath.Join(s.baseDir, keys.Encode(name))
}

func (s *DocumentStore) documentLock(name string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[name]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[name] = lock
	return lock
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	lock := s.documentLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(name))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	commit, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	data, _, err := readState(commit)
	return data, err
}

// Save commits data as the new head state. Saving an unchanged state adds
// no commit.
func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	lock := s.documentLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(name)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, false)
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, stateFile), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := worktree.Add(stateFile); err != nil {
		return fmt.Errorf("git add state: %w", err)
	}

	hash, err := worktree.Commit("Store "+name, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: author + "@localhost",
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		logrus.WithField("document_name", name).Debug("Document unchanged, no commit")
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"document_name": name,
		"commit":        hash.String(),
	}).Debug("Document committed")
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read repository directory: %w", err)
	}

	documents := make([]core.StoredDocument, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, ok := keys.Decode(entry.Name())
		if !ok {
			continue
		}

		doc, err := s.describe(name)
		if err != nil {
			logrus.WithField("document_name", name).WithError(err).Warn("Skipping unreadable document repository")
			continue
		}
		documents = append(documents, doc)
	}

	sort.Slice(documents, func(i, j int) bool {
		if documents[i].UpdatedAt == documents[j].UpdatedAt {
			return documents[i].Name < documents[j].Name
		}
		return documents[i].UpdatedAt > documents[j].UpdatedAt
	})
	return documents, nil
}

func (s *DocumentStore) describe(name string) (core.StoredDocument, error) {
	lock := s.documentLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(name))
	if err != nil {
		return core.StoredDocument{}, err
	}
	commit, err := headCommit(repo)
	if err != nil {
		return core.StoredDocument{}, err
	}
	_, size, err := readState(commit)
	if err != nil {
		return core.StoredDocument{}, err
	}
	return core.StoredDocument{
		Name:      name,
		Size:      size,
		UpdatedAt: commit.Author.When.UnixMilli(),
	}, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commit, nil
}

func readState(commit *object.Commit) ([]byte, int, error) {
	file, err := commit.File(stateFile)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, 0, core.ErrNotFound
		}
		return nil, 0, fmt.Errorf("read state file: %w", err)
	}

	reader, err := file.Reader()
	if err != nil {
		return nil, 0, fmt.Errorf("open state blob: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("read state blob: %w", err)
	}
	return data, len(data), nil
}
