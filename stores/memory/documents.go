package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

type record struct {
	data      []byte
	updatedAt int64
}

type DocumentStore struct {
	mu        sync.RWMutex
	documents map[string]record
}

// NewDocumentStore returns a store that keeps document states in process
// memory. Each store has its own map.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents: make(map[string]record),
	}
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.documents[name]
	s.mu.RUnlock()

	if !ok {
		return nil, core.ErrNotFound
	}
	logrus.WithField("document_name", name).Debug("Document loaded from memory")
	return append([]byte(nil), rec.data...), nil
}

func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.documents[name] = record{
		data:      append([]byte(nil), data...),
		updatedAt: time.Now().UnixMilli(),
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_name": name,
		"data_length":   len(data),
	}).Debug("Document saved to memory")
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	documents := make([]core.StoredDocument, 0, len(s.documents))
	for name, rec := range s.documents {
		documents = append(documents, core.StoredDocument{
			Name:      name,
			Size:      len(rec.data),
			UpdatedAt: rec.updatedAt,
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
