package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collab-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const DefaultMaxSnapshots = 10

type DocumentStore struct {
	db *sql.DB
}

type (
	// Snapshot is a historical copy of a stored document state.
	Snapshot struct {
		ID           string `json:"id"`
		DocumentName string `json:"document_name"`
		Label        string `json:"label"`
		CreatedAt    int64  `json:"created_at"`
		Size         int    `json:"size"`
		Data         []byte `json:"data,omitempty"`
	}

	DocumentSettings struct {
		DocumentName string `json:"document_name"`
		MaxSnapshots int    `json:"max_snapshots"`
	}
)

func NewDocumentStore(dataSourceName string) (*DocumentStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across queries.
	db.SetMaxOpenConns(1)

	statements := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			document_name TEXT NOT NULL,
			label TEXT,
			created_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_document_name ON snapshots (document_name, created_at);`,
		`CREATE TABLE IF NOT EXISTS document_settings (
			document_name TEXT PRIMARY KEY,
			max_snapshots INTEGER DEFAULT 10
		);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	logrus.WithField("driver", driverName).Debug("SQLite store ready")
	return &DocumentStore{db}, nil
}

func (s *DocumentStore) Close() error {
	return s.db.Close()
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	log := logrus.WithField("document_name", name)
	log.Debug("Loading document")

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM documents WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		log.WithError(err).Error("Failed to load document")
		return nil, err
	}
	return data, nil
}

// Save upserts the document and records the saved state as a snapshot,
// pruning the oldest snapshots beyond the document's limit.
func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	now := ulid.Now()
	log := logrus.WithFields(logrus.Fields{
		"document_name": name,
		"data_length":   len(data),
	})

	settings, err := s.GetDocumentSettings(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (name, data, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		name, data, now)
	if err != nil {
		log.WithError(err).Error("Failed to save document")
		return err
	}

	if settings.MaxSnapshots > 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO snapshots (id, document_name, label, created_at, data) VALUES (?, ?, ?, ?, ?)",
			ulid.Make().String(), name, "", now, data)
		if err != nil {
			log.WithError(err).Error("Failed to record snapshot")
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM snapshots WHERE document_name = ? AND id NOT IN (SELECT id FROM snapshots WHERE document_name = ? ORDER BY created_at DESC, id DESC LIMIT ?)",
		name, name, settings.MaxSnapshots)
	if err != nil {
		log.WithError(err).Error("Failed to prune snapshots")
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document %s: %w", name, err)
	}
	log.Debug("Document saved")
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, length(data), updated_at FROM documents ORDER BY updated_at DESC, name ASC")
	if err != nil {
		logrus.WithError(err).Error("Failed to list documents")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close document rows")
		}
	}()

	var documents []core.StoredDocument
	for rows.Next() {
		var doc core.StoredDocument
		if err := rows.Scan(&doc.Name, &doc.Size, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

// ListSnapshots lists a document's snapshots, newest first, without data.
func (s *DocumentStore) ListSnapshots(ctx context.Context, name string) ([]Snapshot, error) {
	log := logrus.WithField("document_name", name)
	log.Debug("Listing snapshots for document")

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_name, label, created_at, length(data) FROM snapshots WHERE document_name = ? ORDER BY created_at DESC, id DESC",
		name)
	if err != nil {
		log.WithError(err).Error("Failed to list snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	var snapshots []Snapshot
	for rows.Next() {
		var snapshot Snapshot
		var label sql.NullString
		if err := rows.Scan(&snapshot.ID, &snapshot.DocumentName, &label, &snapshot.CreatedAt, &snapshot.Size); err != nil {
			log.WithError(err).Error("Failed to scan snapshot")
			continue
		}
		snapshot.Label = label.String
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *DocumentStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	log := logrus.WithField("snapshot_id", id)

	var snapshot Snapshot
	var label sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, document_name, label, created_at, data FROM snapshots WHERE id = ?",
		id).Scan(&snapshot.ID, &snapshot.DocumentName, &label, &snapshot.CreatedAt, &snapshot.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Snapshot with specified ID not found")
			return nil, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve snapshot")
		return nil, err
	}
	snapshot.Label = label.String
	snapshot.Size = len(snapshot.Data)
	return &snapshot, nil
}

func (s *DocumentStore) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		logrus.WithField("snapshot_id", id).WithError(err).Error("Failed to delete snapshot")
		return err
	}
	return expectAffected(result, id)
}

func (s *DocumentStore) LabelSnapshot(ctx context.Context, id, label string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE snapshots SET label = ? WHERE id = ?", label, id)
	if err != nil {
		logrus.WithField("snapshot_id", id).WithError(err).Error("Failed to label snapshot")
		return err
	}
	return expectAffected(result, id)
}

func expectAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// GetDocumentSettings returns the document's settings, or the defaults when
// none were saved.
func (s *DocumentStore) GetDocumentSettings(ctx context.Context, name string) (*DocumentSettings, error) {
	settings := DocumentSettings{DocumentName: name}
	err := s.db.QueryRowContext(ctx,
		"SELECT max_snapshots FROM document_settings WHERE document_name = ?",
		name).Scan(&settings.MaxSnapshots)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			settings.MaxSnapshots = DefaultMaxSnapshots
			return &settings, nil
		}
		logrus.WithField("document_name", name).WithError(err).Error("Failed to retrieve document settings")
		return nil, err
	}
	return &settings, nil
}

func (s *DocumentStore) UpdateDocumentSettings(ctx context.Context, name string, maxSnapshots int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO document_settings (document_name, max_snapshots) VALUES (?, ?) ON CONFLICT(document_name) DO UPDATE SET max_snapshots = excluded.max_snapshots",
		name, maxSnapshots)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"document_name": name,
			"max_snapshots": maxSnapshots,
		}).WithError(err).Error("Failed to update document settings")
		return err
	}
	return nil
}
