package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/flarexio/ragvault/vector"
)

const DefaultFilename = "vault.db"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	payload    BLOB,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// NewSQLiteBackend opens the document table. A non-persistent backend keeps
// the database in memory on a single connection.
func NewSQLiteBackend(cfg vector.Config) (vector.Backend, error) {
	dsn := ":memory:"
	if cfg.Persistent {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}

		dsn = filepath.Join(cfg.Path, DefaultFilename) +
			"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !cfg.Persistent {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating documents table: %w", err)
	}

	return &backend{db}, nil
}

type backend struct {
	db *sql.DB
}

func (b *backend) Load(ctx context.Context, dimension int) ([]vector.Document, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, record, payload FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []vector.Document
	for rows.Next() {
		var (
			id      string
			record  string
			payload []byte
		)

		if err := rows.Scan(&id, &record, &payload); err != nil {
			return nil, err
		}

		doc, err := vector.DecodeRecord([]byte(record), payload)
		if err != nil {
			return nil, fmt.Errorf("sqlite: document %s: %w", id, err)
		}

		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

func (b *backend) Save(ctx context.Context, doc vector.Document) error {
	record, payload, err := vector.EncodeRecord(doc)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO documents (id, record, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, payload = excluded.payload`,
		doc.ID, string(record), payload)

	return err
}

func (b *backend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

func (b *backend) Close() error {
	return b.db.Close()
}
