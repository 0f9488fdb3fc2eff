package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"courseforge/backend/pkg/models"
)

// Ensure MemoryRunStore implements RunStore at compile time.
var _ RunStore = (*MemoryRunStore)(nil)

// MemoryRunStore is a fully in-memory implementation of RunStore. Safe for
// concurrent access. Intended for unit testing and development.
type MemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*models.WorkflowRun
	events map[uuid.UUID][]models.StepEvent

	// running indexes the active run per (kind, targetEntityId) so the
	// conditional create is a single map lookup under the write lock.
	running map[runKey]uuid.UUID

	broker *broker
}

type runKey struct {
	kind     models.WorkflowKind
	entityID string
}

// NewMemoryRunStore returns a new empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[uuid.UUID]*models.WorkflowRun),
		events:  make(map[uuid.UUID][]models.StepEvent),
		running: make(map[runKey]uuid.UUID),
		broker:  newBroker(),
	}
}

// CreateRun atomically creates a new running run, failing with
// *DuplicateRunError while another run for the same key is still running.
func (s *MemoryRunStore) CreateRun(_ context.Context, kind models.WorkflowKind, targetEntityID string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{kind: kind, entityID: targetEntityID}
	if existing, ok := s.running[key]; ok {
		return nil, &DuplicateRunError{
			Kind:           kind,
			TargetEntityID: targetEntityID,
			ExistingRunID:  existing,
		}
	}

	run := &models.WorkflowRun{
		ID:             uuid.New(),
		Kind:           kind,
		TargetEntityID: targetEntityID,
		Status:         models.RunStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}
	s.runs[run.ID] = run
	s.running[key] = run.ID

	cp := *run
	return &cp, nil
}

// GetRun retrieves a run by id.
func (s *MemoryRunStore) GetRun(_ context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// AppendEvent appends an event to the run's log and returns its index. A
// terminal event flips the run status and frees the (kind, entity) slot for
// the next trigger.
func (s *MemoryRunStore) AppendEvent(_ context.Context, runID uuid.UUID, step string, status models.StepStatus, reason string) (int, error) {
	s.mu.Lock()

	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return 0, ErrRunNotFound
	}

	ev := models.StepEvent{
		RunID:     runID,
		Index:     len(s.events[runID]),
		Step:      step,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	s.events[runID] = append(s.events[runID], ev)

	if ev.Terminal() {
		if status == models.StepStatusError {
			run.Status = models.RunStatusFailed
		} else {
			run.Status = models.RunStatusCompleted
		}
		delete(s.running, runKey{kind: run.Kind, entityID: run.TargetEntityID})
	}
	s.mu.Unlock()

	s.broker.publish(ev)
	return ev.Index, nil
}

// ReadEventsFrom returns a copy of all events with index >= startIndex.
func (s *MemoryRunStore) ReadEventsFrom(_ context.Context, runID uuid.UUID, startIndex int) ([]models.StepEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}

	log := s.events[runID]
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(log) {
		return nil, nil
	}
	out := make([]models.StepEvent, len(log)-startIndex)
	copy(out, log[startIndex:])
	return out, nil
}

// Subscribe attaches a new independent subscriber to the run's live tail.
func (s *MemoryRunStore) Subscribe(_ context.Context, runID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	_, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return s.broker.subscribe(runID), nil
}
