package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(host, port, user, password, dbname string) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS download_history (
		job_id UUID PRIMARY KEY,
		batch_id UUID NOT NULL,
		position INTEGER NOT NULL,
		asset_kind VARCHAR(16) NOT NULL,
		media_id VARCHAR(64) NOT NULL,
		title TEXT,
		destination_path TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		reason VARCHAR(32),
		skipped BOOLEAN DEFAULT FALSE,
		error TEXT,
		bytes_completed BIGINT NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_download_history_batch_id ON download_history(batch_id);
	CREATE INDEX IF NOT EXISTS idx_download_history_media ON download_history(asset_kind, media_id);
	CREATE INDEX IF NOT EXISTS idx_download_history_completed_at ON download_history(completed_at DESC);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
