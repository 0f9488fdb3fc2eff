package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"courseforge/backend/pkg/models"
)

// ErrRunNotFound is returned when a run id is unknown to the store.
var ErrRunNotFound = errors.New("repository: run not found")

// DuplicateRunError is returned by CreateRun when a running run already
// exists for the same (kind, targetEntityId) pair. ExistingRunID lets the
// caller attach to the in-flight run instead of starting a duplicate.
type DuplicateRunError struct {
	Kind           models.WorkflowKind
	TargetEntityID string
	ExistingRunID  uuid.UUID
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("repository: run %s already in progress for %s %s",
		e.ExistingRunID, e.Kind, e.TargetEntityID)
}

// RunStore is the durable log of workflow runs and their step events.
//
// Within one run, events are appended by a single executor goroutine; across
// runs, all methods are safe for concurrent use. Appends are atomic with
// respect to readers: a reader never observes a torn event or a gap in the
// index sequence.
type RunStore interface {
	// CreateRun atomically creates a new running run. It fails with
	// *DuplicateRunError if a running run already exists for the same
	// (kind, targetEntityID) pair; this conditional create is the
	// mechanism backing the entity guard.
	CreateRun(ctx context.Context, kind models.WorkflowKind, targetEntityID string) (*models.WorkflowRun, error)

	// GetRun retrieves a run by id. Fails with ErrRunNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error)

	// AppendEvent appends an event to the run's log and returns the
	// assigned index. A terminal event also flips the run's cached status.
	// Fails with ErrRunNotFound.
	AppendEvent(ctx context.Context, runID uuid.UUID, step string, status models.StepStatus, reason string) (int, error)

	// ReadEventsFrom returns all events with index >= startIndex in index
	// order. The result is a finite snapshot, not a live stream. Fails
	// with ErrRunNotFound.
	ReadEventsFrom(ctx context.Context, runID uuid.UUID, startIndex int) ([]models.StepEvent, error)

	// Subscribe returns a live tail of events appended after subscription
	// time. Every subscriber receives the full tail independently. The
	// subscription closes itself once a terminal event has been delivered.
	// Fails with ErrRunNotFound.
	Subscribe(ctx context.Context, runID uuid.UUID) (*Subscription, error)
}
