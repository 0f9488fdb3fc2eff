package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courseforge/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// notifyChannel is the Postgres NOTIFY channel carrying appended events.
// Listening on it lets every engine instance's broker see appends made by
// any other instance, so stream clients can attach to any instance.
const notifyChannel = "workflow_run_events"

// pgUniqueViolation is the Postgres error code for unique constraint violations.
const pgUniqueViolation = "23505"

// Ensure PostgresRunStore implements RunStore at compile time.
var _ RunStore = (*PostgresRunStore)(nil)

// PostgresRunStore is a PostgreSQL implementation of the RunStore interface.
//
// The "at most one running run per (kind, targetEntityId)" invariant is
// enforced by a partial unique index over running rows, so CreateRun is a
// single atomic insert rather than a read-then-write.
type PostgresRunStore struct {
	db     *pgxpool.Pool
	broker *broker
	logger Logger
}

// NewPostgresRunStore creates a new PostgresRunStore.
func NewPostgresRunStore(db *pgxpool.Pool, logger Logger) *PostgresRunStore {
	return &PostgresRunStore{
		db:     db,
		broker: newBroker(),
		logger: logger,
	}
}

// CreateRun inserts a new running run. The partial unique index turns a
// concurrent duplicate into a unique violation, which is surfaced as
// *DuplicateRunError carrying the already-running run's id. The winning run
// can reach terminal between our failed insert and the lookup, leaving no
// running row to report; the insert is retried once in that case because the
// slot just freed.
func (s *PostgresRunStore) CreateRun(ctx context.Context, kind models.WorkflowKind, targetEntityID string) (*models.WorkflowRun, error) {
	for attempt := 0; attempt < 2; attempt++ {
		run := &models.WorkflowRun{
			ID:             uuid.New(),
			Kind:           kind,
			TargetEntityID: targetEntityID,
			Status:         models.RunStatusRunning,
		}

		err := s.db.QueryRow(ctx,
			`INSERT INTO workflow_runs (id, kind, target_entity_id, status)
			 VALUES ($1, $2, $3, $4)
			 RETURNING created_at`,
			run.ID, run.Kind, run.TargetEntityID, run.Status,
		).Scan(&run.CreatedAt)
		if err == nil {
			return run, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return nil, err
		}

		dup := &DuplicateRunError{Kind: kind, TargetEntityID: targetEntityID}
		lookupErr := s.db.QueryRow(ctx,
			`SELECT id FROM workflow_runs
			 WHERE kind = $1 AND target_entity_id = $2 AND status = 'running'`,
			kind, targetEntityID,
		).Scan(&dup.ExistingRunID)
		if lookupErr == nil {
			return nil, dup
		}
		if !errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, lookupErr
		}
		s.logger.Debug("conflicting run finished during create, retrying", "kind", kind, "entity", targetEntityID)
	}
	return nil, fmt.Errorf("repository: conditional create kept conflicting for %s %s", kind, targetEntityID)
}

// GetRun retrieves a run by id.
func (s *PostgresRunStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.QueryRow(ctx,
		`SELECT id, kind, target_entity_id, status, created_at
		 FROM workflow_runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.Kind, &run.TargetEntityID, &run.Status, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// AppendEvent appends an event inside a transaction that locks the run row,
// so index assignment is atomic with respect to readers. The event is
// broadcast via pg_notify on commit and published to the local broker
// directly; the broker dedupes by index.
func (s *PostgresRunStore) AppendEvent(ctx context.Context, runID uuid.UUID, step string, status models.StepStatus, reason string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var run models.WorkflowRun
	err = tx.QueryRow(ctx,
		`SELECT id, kind, target_entity_id, status FROM workflow_runs
		 WHERE id = $1 FOR UPDATE`,
		runID,
	).Scan(&run.ID, &run.Kind, &run.TargetEntityID, &run.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, err
	}

	ev := models.StepEvent{
		RunID:  runID,
		Step:   step,
		Status: status,
		Reason: reason,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO workflow_run_events (run_id, "index", step, status, reason)
		 SELECT $1, COALESCE(MAX("index") + 1, 0), $2, $3, NULLIF($4, '')
		 FROM workflow_run_events WHERE run_id = $1
		 RETURNING "index", created_at`,
		runID, step, status, reason,
	).Scan(&ev.Index, &ev.Timestamp)
	if err != nil {
		return 0, err
	}

	if ev.Terminal() {
		runStatus := models.RunStatusCompleted
		if status == models.StepStatusError {
			runStatus = models.RunStatusFailed
		}
		if _, err := tx.Exec(ctx,
			`UPDATE workflow_runs SET status = $2 WHERE id = $1`, runID, runStatus); err != nil {
			return 0, err
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	s.broker.publish(ev)
	return ev.Index, nil
}

// ReadEventsFrom returns all events with index >= startIndex in index order.
func (s *PostgresRunStore) ReadEventsFrom(ctx context.Context, runID uuid.UUID, startIndex int) ([]models.StepEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if startIndex < 0 {
		startIndex = 0
	}

	rows, err := s.db.Query(ctx,
		`SELECT run_id, "index", step, status, COALESCE(reason, ''), created_at
		 FROM workflow_run_events
		 WHERE run_id = $1 AND "index" >= $2
		 ORDER BY "index"`,
		runID, startIndex,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StepEvent
	for rows.Next() {
		var ev models.StepEvent
		if err := rows.Scan(&ev.RunID, &ev.Index, &ev.Step, &ev.Status, &ev.Reason, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Subscribe attaches a new independent subscriber to the run's live tail.
func (s *PostgresRunStore) Subscribe(ctx context.Context, runID uuid.UUID) (*Subscription, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.broker.subscribe(runID), nil
}

// Listen feeds the local broker from the Postgres NOTIFY channel until ctx
// is cancelled. Run it in its own goroutine; it reconnects with a short
// backoff if the listening connection drops.
func (s *PostgresRunStore) Listen(ctx context.Context) {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("event listener disconnected", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *PostgresRunStore) listenOnce(ctx context.Context) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return err
	}
	s.logger.Debug("listening for run events", "channel", notifyChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev models.StepEvent
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			s.logger.Error("malformed run event notification", "payload", notification.Payload, "error", err)
			continue
		}
		s.broker.publish(ev)
	}
}
