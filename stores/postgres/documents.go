// Package postgres stores document states in a PostgreSQL table through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"collab-server/core"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

const schema = `CREATE TABLE IF NOT EXISTS collab_documents (
	name TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	updated_at BIGINT NOT NULL
)`

type DocumentStore struct {
	db *sql.DB
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// NewDocumentStore opens databaseURL and creates the documents table when
// missing.
func NewDocumentStore(ctx context.Context, databaseURL string) (*DocumentStore, error) {
	db, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

func (s *DocumentStore) Close() error {
	return s.db.Close()
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM collab_documents WHERE name = $1`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		logrus.WithField("document_name", name).WithError(err).Error("Failed to load document")
		return nil, fmt.Errorf("load document %s: %w", name, err)
	}
	return data, nil
}

func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_documents (name, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		name, data, time.Now().UnixMilli())
	if err != nil {
		logrus.WithField("document_name", name).WithError(err).Error("Failed to save document")
		return fmt.Errorf("save document %s: %w", name, err)
	}
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, octet_length(data), updated_at FROM collab_documents ORDER BY updated_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []core.StoredDocument
	for rows.Next() {
		var doc core.StoredDocument
		if err := rows.Scan(&doc.Name, &doc.Size, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}
