// Package store persists the session keystore between runs so a cached
// credential can drive fast login. The orchestrator never touches this
// package; the client facade loads before login and saves after.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/MuuuShin/lagrange-go/pkg/session"
)

type Keystore struct {
	db *sql.DB
}

// Open creates the backing database (and its directory) if needed.
func Open(path string) (*Keystore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS keystore (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create keystore schema: %w", err)
	}

	return &Keystore{db: db}, nil
}

// Load returns the persisted session store, or a fresh one when nothing
// was saved yet.
func (k *Keystore) Load(ctx context.Context) (*session.Store, error) {
	var data string
	err := k.db.QueryRowContext(ctx, `SELECT data FROM keystore WHERE id = 1`).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return session.NewStore(), nil
	case err != nil:
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}

	st := session.NewStore()
	if err := json.Unmarshal([]byte(data), st); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	return st, nil
}

// Save snapshots the session store.
func (k *Keystore) Save(ctx context.Context, st *session.Store) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO keystore (id, data) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return fmt.Errorf("failed to save keystore: %w", err)
	}
	return nil
}

func (k *Keystore) Close() error {
	return k.db.Close()
}
