package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS content (
	id                TEXT        NOT NULL,
	type              TEXT        NOT NULL,
	data              TEXT        NOT NULL DEFAULT '',
	metadata          JSONB       NOT NULL DEFAULT '{}',
	user_id           TEXT,
	group_id          TEXT,
	parent_content_id TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (type, id)
)`

// PostgresStore keeps rows in the content table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the content table exists
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConns = 20

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create content table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// UpsertState implements Store
func (s *PostgresStore) UpsertState(ctx context.Context, rowType, id string, state []byte, clientID string) (Row, error) {
	row := Row{ID: id, Type: rowType, State: state, ClientID: clientID}
	meta, err := json.Marshal(row.Metadata())
	if err != nil {
		return Row{}, err
	}

	query := `
		INSERT INTO content (id, type, metadata, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (type, id) DO UPDATE
		SET metadata = content.metadata || EXCLUDED.metadata, updated_at = now()
		RETURNING updated_at
	`
	if err := s.pool.QueryRow(ctx, query, id, rowType, meta).Scan(&row.UpdatedAt); err != nil {
		return Row{}, fmt.Errorf("failed to upsert %s: %w", row.Key(), err)
	}
	return row, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, rowType, id string) (Row, error) {
	query := `SELECT metadata, updated_at FROM content WHERE type = $1 AND id = $2`

	var raw []byte
	var updated time.Time
	err := s.pool.QueryRow(ctx, query, rowType, id).Scan(&raw, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, RowKey(rowType, id))
	}
	if err != nil {
		return Row{}, fmt.Errorf("failed to read %s: %w", RowKey(rowType, id), err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Row{}, fmt.Errorf("row %s: decode metadata: %w", id, err)
	}
	return rowFromMetadata(id, rowType, meta, updated)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
