package repository

import (
	"context"
	"fmt"
	"time"

	"assistant/internal/model"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_logs (
	id               BIGSERIAL PRIMARY KEY,
	request_id       TEXT        NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	user_id          TEXT        NOT NULL,
	command          TEXT        NOT NULL,
	resolved_action  TEXT        NOT NULL,
	resolved_params  JSONB       NOT NULL DEFAULT '{}'::jsonb,
	resolution_path  TEXT        NOT NULL,
	response         TEXT        NOT NULL DEFAULT '',
	error            TEXT        NOT NULL DEFAULT '',
	duration_ms      BIGINT      NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS command_logs_user_created_idx ON command_logs (user_id, created_at DESC);
`

// PostgresRepository is the append-only audit log of resolved commands
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(dsn string, maxConn, maxIdleConn int) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(maxConn)
	db.SetMaxIdleConns(maxIdleConn)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an existing handle
func NewPostgresRepositoryFromDB(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Migrate creates the audit table if it does not exist
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate command_logs: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// LogCommand appends one audit row
func (r *PostgresRepository) LogCommand(ctx context.Context, entry *model.CommandLog) error {
	if len(entry.ResolvedParams) == 0 {
		entry.ResolvedParams = []byte("{}")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO command_logs
			(request_id, created_at, user_id, command, resolved_action, resolved_params, resolution_path, response, error, duration_ms)
		VALUES
			(:request_id, :created_at, :user_id, :command, :resolved_action, :resolved_params, :resolution_path, :response, :error, :duration_ms)
		RETURNING id
	`
	rows, err := r.db.NamedQueryContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&entry.ID); err != nil {
			return fmt.Errorf("failed to read command log id: %w", err)
		}
	}
	return rows.Err()
}

// RecentCommands returns the latest audit rows of a user, newest first
func (r *PostgresRepository) RecentCommands(ctx context.Context, userID string, limit int) ([]model.CommandLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, request_id, created_at, user_id, command, resolved_action, resolved_params,
		       resolution_path, response, error, duration_ms
		FROM command_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	logs := []model.CommandLog{}
	if err := r.db.SelectContext(ctx, &logs, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to load commands: %w", err)
	}
	return logs, nil
}
