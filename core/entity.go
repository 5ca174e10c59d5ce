package core

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("not found")

type (
	// Document is a live, in-memory collaborative document. The merge
	// semantics of its state are owned entirely by the implementation.
	Document interface {
		Name() string
		// OnUpdate registers fn to be called after every applied update, in
		// the order updates are applied.
		OnUpdate(fn func(Update))
		State() ([]byte, error)
		Restore(state []byte) error
		Destroy()
	}

	// Update describes a change applied to a Document.
	Update struct {
		Document Document
		// RequestHeaders are the headers of the request that opened the
		// connection the update came from. Nil for server-side updates.
		RequestHeaders http.Header
	}

	DocumentFactory func(name string) Document

	// Socket is the transport handle a Connection is built on.
	Socket interface {
		Close() error
	}

	Connection interface {
		ID() string
		Context() any
		Close() error
	}

	ConnectionOptions struct {
		ID             string
		Timeout        time.Duration
		Context        any
		RequestHeaders http.Header
		// OnClose is invoked exactly once, after the connection has been
		// detached from its document.
		OnClose func()
	}

	ConnectionFactory func(socket Socket, document Document, opts ConnectionOptions) (Connection, error)

	// Persistence hydrates documents on creation and flushes them on eviction.
	Persistence interface {
		Connect(ctx context.Context, name string, document Document) error
		Store(ctx context.Context, name string, document Document) error
	}

	// SnapshotStore is the byte-level storage behind a Persistence.
	SnapshotStore interface {
		// Load returns ErrNotFound when nothing has been saved under name.
		Load(ctx context.Context, name string) ([]byte, error)
		Save(ctx context.Context, name string, data []byte) error
	}

	// StoredDocument is a listing entry of a SnapshotStore.
	StoredDocument struct {
		Name      string
		Size      int
		UpdatedAt int64
	}

	DocumentLister interface {
		ListDocuments(ctx context.Context) ([]StoredDocument, error)
	}
)
