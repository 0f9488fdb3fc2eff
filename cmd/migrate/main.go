package main

import (
	"context"
	"fmt"
	"log"

	"courseforge/backend/internal/config"
	"courseforge/backend/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the engine's tables. The partial unique index over running
// rows is what makes CreateRun an atomic conditional insert: two concurrent
// triggers for the same entity cannot both land a running row.
const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	target_entity_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_running_key
	ON workflow_runs (kind, target_entity_id)
	WHERE status = 'running';

CREATE TABLE IF NOT EXISTS workflow_run_events (
	run_id UUID NOT NULL REFERENCES workflow_runs(id),
	"index" INT NOT NULL,
	step TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, "index")
);
`

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	logger.Info("Schema applied", "db", cfg.DB.Name)
}
