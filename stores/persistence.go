package stores

import (
	"context"
	"errors"
	"fmt"

	"collab-server/core"

	"github.com/sirupsen/logrus"
)

// Persistence hydrates documents from a SnapshotStore and flushes their
// encoded state back to it.
type Persistence struct {
	store core.SnapshotStore
}

func NewPersistence(store core.SnapshotStore) *Persistence {
	return &Persistence{store: store}
}

// Connect restores the saved state of name into doc. A document that was
// never saved starts empty.
func (p *Persistence) Connect(ctx context.Context, name string, doc core.Document) error {
	log := logrus.WithField("document_name", name)

	data, err := p.store.Load(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		log.Debug("No stored state, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	if err := doc.Restore(data); err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	log.WithField("data_length", len(data)).Info("Document loaded")
	return nil
}

func (p *Persistence) Store(ctx context.Context, name string, doc core.Document) error {
	data, err := doc.State()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := p.store.Save(ctx, name, data); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// ListDocuments lists stored documents when the backing store can.
func (p *Persistence) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	lister, ok := p.store.(core.DocumentLister)
	if !ok {
		return nil, nil
	}
	return lister.ListDocuments(ctx)
}
