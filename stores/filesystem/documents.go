package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"collab-server/core"
	"collab-server/stores/internal/keys"

	"github.com/sirupsen/logrus"
)

type DocumentStore struct {
	basePath string
}

// NewDocumentStore stores one file per document under basePath, creating the
// directory when needed.
func NewDocumentStore(basePath string) (*DocumentStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &DocumentStore{basePath: basePath}, nil
}

func (s *DocumentStore) path(name string) string {
	return filepath.Join(s.basePath, keys.Encode(name))
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	log := logrus.WithField("document_name", name)

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		log.WithError(err).Error("Failed to read document file")
		return nil, err
	}
	log.WithField("data_length", len(data)).Debug("Document file read")
	return data, nil
}

// Save replaces the document file atomically: readers see either the old
// or the new state, never a partial write.
func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	log := logrus.WithField("document_name", name)

	tmp, err := os.CreateTemp(s.basePath, "*.tmp")
	if err != nil {
		log.WithError(err).Error("Failed to create temporary document file")
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write document %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync document %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close document %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod document %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		log.WithError(err).Error("Failed to replace document file")
		return err
	}

	log.WithField("data_length", len(data)).Debug("Document file written")
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}

	documents := make([]core.StoredDocument, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := keys.Decode(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		documents = append(documents, core.StoredDocument{
			Name:      name,
			Size:      int(info.Size()),
			UpdatedAt: info.ModTime().UnixMilli(),
		})
	}

	sort.Slice(documents, func(i, j int) bool {
		if documents[i].UpdatedAt == documents[j].UpdatedAt {
			return documents[i].Name < documents[j].Name
		}
		return documents[i].UpdatedAt > documents[j].UpdatedAt
	})
	return documents, nil
}
