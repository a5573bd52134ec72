package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file, pure-Go SQLite-backed Store. It is suitable
// for single-process pipelines that want their checkpoints to survive a
// restart without standing up a separate database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path and
// migrates its checkpoints table. Use ":memory:" for a throwaway database
// useful in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer at a time

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			pipeline_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			data_blob BLOB,
			saved_at TIMESTAMP NOT NULL,
			PRIMARY KEY (pipeline_id, node_id, key)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	const query = `
		INSERT INTO checkpoints (pipeline_id, node_id, key, value, data_blob, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id, node_id, key) DO UPDATE SET
			value = excluded.value,
			data_blob = excluded.data_blob,
			saved_at = excluded.saved_at
	`
	_, err := s.db.ExecContext(ctx, query, rec.PipelineID, rec.NodeID, rec.Key, rec.Value, rec.DataBlob, rec.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, pipelineID, nodeID, key string) (Record, error) {
	const query = `
		SELECT value, data_blob, saved_at FROM checkpoints
		WHERE pipeline_id = ? AND node_id = ? AND key = ?
	`
	var (
		value      []byte
		dataBlob   []byte
		savedAtStr string
	)
	err := s.db.QueryRowContext(ctx, query, pipelineID, nodeID, key).Scan(&value, &dataBlob, &savedAtStr)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	savedAt, err := time.Parse(time.RFC3339Nano, savedAtStr)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: parse saved_at: %w", err)
	}
	return Record{PipelineID: pipelineID, NodeID: nodeID, Key: key, Value: value, DataBlob: dataBlob, SavedAt: savedAt}, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, pipelineID, nodeID, key string) error {
	const query = `DELETE FROM checkpoints WHERE pipeline_id = ? AND node_id = ? AND key = ?`
	if _, err := s.db.ExecContext(ctx, query, pipelineID, nodeID, key); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, pipelineID, nodeID string) ([]Record, error) {
	const query = `
		SELECT key, value, data_blob, saved_at FROM checkpoints
		WHERE pipeline_id = ? AND node_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, pipelineID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			key        string
			value      []byte
			dataBlob   []byte
			savedAtStr string
		)
		if err := rows.Scan(&key, &value, &dataBlob, &savedAtStr); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		savedAt, err := time.Parse(time.RFC3339Nano, savedAtStr)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse saved_at: %w", err)
		}
		out = append(out, Record{PipelineID: pipelineID, NodeID: nodeID, Key: key, Value: value, DataBlob: dataBlob, SavedAt: savedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: iterate rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
