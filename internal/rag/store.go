package rag

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// indexFile is the database file inside a persist directory.
const indexFile = "index.db"

// store persists chunks and their embeddings in SQLite.
type store struct {
	db *sql.DB
}

// openStore opens the index under dir. With create set the directory and
// file are created; otherwise a missing index is an error.
func openStore(dir string, create bool) (*store, error) {
	path := filepath.Join(dir, indexFile)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create persist dir: %w", err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no index at %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return s, nil
}

func (s *store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			body TEXT NOT NULL,
			embedding BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

func (s *store) Close() error { return s.db.Close() }

// replace swaps the whole index contents in one transaction. It returns
// the number of distinct chunks stored.
func (s *store) replace(ctx context.Context, chunks []chunk, meta map[string]string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return 0, fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return 0, fmt.Errorf("clear meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO chunks (id, source, ordinal, body, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	stored := 0
	for _, c := range chunks {
		res, err := stmt.ExecContext(ctx, c.id, c.source, c.ordinal, c.body, encodeVector(c.embedding))
		if err != nil {
			return 0, fmt.Errorf("insert chunk %s: %w", c.id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}

	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return 0, fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

func (s *store) chunks(ctx context.Context) ([]chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, ordinal, body, embedding FROM chunks ORDER BY source, ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunk
	for rows.Next() {
		var c chunk
		var blob []byte
		if err := rows.Scan(&c.id, &c.source, &c.ordinal, &c.body, &blob); err != nil {
			return nil, err
		}
		c.embedding, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.id, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *store) meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// encodeVector stores float32s little-endian, 4 bytes each.
func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
