package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store, suitable for pipelines that
// span multiple processes or machines and need checkpoints visible to all
// of them.
//
// dsn follows the go-sql-driver/mysql DSN format, e.g.
// "user:pass@tcp(localhost:3306)/dbname?parseTime=true". Never hardcode
// credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and migrates the
// checkpoints table if it doesn't already exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			pipeline_id VARCHAR(255) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			ckpt_key VARCHAR(255) NOT NULL,
			value BLOB NOT NULL,
			data_blob LONGBLOB,
			saved_at DATETIME(6) NOT NULL,
			PRIMARY KEY (pipeline_id, node_id, ckpt_key)
		)
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, rec Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	const query = `
		INSERT INTO checkpoints (pipeline_id, node_id, ckpt_key, value, data_blob, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), data_blob = VALUES(data_blob), saved_at = VALUES(saved_at)
	`
	_, err := s.db.ExecContext(ctx, query, rec.PipelineID, rec.NodeID, rec.Key, rec.Value, rec.DataBlob, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, pipelineID, nodeID, key string) (Record, error) {
	const query = `
		SELECT value, data_blob, saved_at FROM checkpoints
		WHERE pipeline_id = ? AND node_id = ? AND ckpt_key = ?
	`
	var (
		value    []byte
		dataBlob []byte
		savedAt  time.Time
	)
	err := s.db.QueryRowContext(ctx, query, pipelineID, nodeID, key).Scan(&value, &dataBlob, &savedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	return Record{PipelineID: pipelineID, NodeID: nodeID, Key: key, Value: value, DataBlob: dataBlob, SavedAt: savedAt}, nil
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, pipelineID, nodeID, key string) error {
	const query = `DELETE FROM checkpoints WHERE pipeline_id = ? AND node_id = ? AND ckpt_key = ?`
	if _, err := s.db.ExecContext(ctx, query, pipelineID, nodeID, key); err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, pipelineID, nodeID string) ([]Record, error) {
	const query = `
		SELECT ckpt_key, value, data_blob, saved_at FROM checkpoints
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
			key      string
			value    []byte
			dataBlob []byte
			savedAt  time.Time
		)
		if err := rows.Scan(&key, &value, &dataBlob, &savedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out = append(out, Record{PipelineID: pipelineID, NodeID: nodeID, Key: key, Value: value, DataBlob: dataBlob, SavedAt: savedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: iterate rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error { return s.db.Close() }
