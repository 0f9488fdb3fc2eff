package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"courseforge/backend/pkg/models"
)

type testLogger struct{}

func (testLogger) Debug(msg string, args ...any) {}
func (testLogger) Info(msg string, args ...any)  {}
func (testLogger) Error(msg string, args ...any) {}

func TestPostgresRunStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, `CREATE TABLE workflow_runs (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		target_entity_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX workflow_runs_running_key
		ON workflow_runs (kind, target_entity_id) WHERE status = 'running';
	CREATE TABLE workflow_run_events (
		run_id UUID NOT NULL REFERENCES workflow_runs(id),
		"index" INT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, "index")
	);`)
	if err != nil {
		t.Fatal(err)
	}

	store := NewPostgresRunStore(pool, testLogger{})
	listenCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	go store.Listen(listenCtx)

	t.Run("conditional create", func(t *testing.T) {
		run, err := store.CreateRun(ctx, models.KindCourseGeneration, "course-1")
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, run.Status)

		_, err = store.CreateRun(ctx, models.KindCourseGeneration, "course-1")
		var dup *DuplicateRunError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, run.ID, dup.ExistingRunID)

		// terminal event frees the slot
		_, err = store.AppendEvent(ctx, run.ID, models.StepWorkflowComplete, models.StepStatusCompleted, "")
		require.NoError(t, err)

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, got.Status)

		_, err = store.CreateRun(ctx, models.KindCourseGeneration, "course-1")
		assert.NoError(t, err)
	})

	t.Run("append assigns dense indexes and replay is ordered", func(t *testing.T) {
		run, err := store.CreateRun(ctx, models.KindLessonGeneration, "lesson-1")
		require.NoError(t, err)

		idx, err := store.AppendEvent(ctx, run.ID, "getLessonOutline", models.StepStatusStarted, "")
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
		idx, err = store.AppendEvent(ctx, run.ID, "getLessonOutline", models.StepStatusCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
		idx, err = store.AppendEvent(ctx, run.ID, models.StepWorkflowError, models.StepStatusError, "generation backend unavailable")
		require.NoError(t, err)
		assert.Equal(t, 2, idx)

		events, err := store.ReadEventsFrom(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, i, ev.Index)
			assert.Equal(t, run.ID, ev.RunID)
		}
		assert.Equal(t, "generation backend unavailable", events[2].Reason)

		tail, err := store.ReadEventsFrom(ctx, run.ID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, events[2], tail[0])

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, got.Status)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := store.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.AppendEvent(ctx, uuid.New(), "x", models.StepStatusStarted, "")
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.ReadEventsFrom(ctx, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.Subscribe(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("subscriber sees appended events live", func(t *testing.T) {
		run, err := store.CreateRun(ctx, models.KindActivityGeneration, "activity-1")
		require.NoError(t, err)

		sub, err := store.Subscribe(ctx, run.ID)
		require.NoError(t, err)
		defer sub.Close()

		_, err = store.AppendEvent(ctx, run.ID, "getLessonContext", models.StepStatusStarted, "")
		require.NoError(t, err)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, 0, ev.Index)
			assert.Equal(t, "getLessonContext", ev.Step)
		case <-time.After(5 * time.Second):
			t.Fatal("expected live event")
		}
	})
}
