// Package executor drives a single workflow run to completion or failure.
package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"courseforge/backend/internal/entities"
	"courseforge/backend/internal/generator"
	"courseforge/backend/internal/pipeline"
	"courseforge/backend/internal/repository"
	"courseforge/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Executor executes runs against their pipeline definitions, appending step
// events to the run store as each step transitions.
type Executor struct {
	store    repository.RunStore
	registry *pipeline.Registry
	invoker  generator.Invoker
	entities entities.Service
	logger   Logger
}

// New creates a new Executor.
func New(store repository.RunStore, registry *pipeline.Registry, invoker generator.Invoker, entitySvc entities.Service, logger Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		invoker:  invoker,
		entities: entitySvc,
		logger:   logger,
	}
}

// Start launches the run in a background goroutine on a fresh context, so
// the run outlives the triggering HTTP request and is unaffected by client
// disconnects.
func (e *Executor) Start(run *models.WorkflowRun, input map[string]any) {
	go e.execute(context.Background(), run, input)
}

// execute walks the pipeline layer by layer. Steps within a layer run
// concurrently and all settle before the next layer starts; the first
// failing layer short-circuits everything downstream. Exactly one terminal
// event is appended, and the entity's generation flag is cleared afterwards
// regardless of outcome.
func (e *Executor) execute(ctx context.Context, run *models.WorkflowRun, input map[string]any) {
	def, err := e.registry.Get(run.Kind)
	if err != nil {
		// Triggers validate the kind, so this only fires if a run was
		// persisted by a newer deploy with a kind this build lacks.
		e.finish(ctx, run, err)
		return
	}

	if err := e.entities.MarkGenerating(ctx, run.Kind, run.TargetEntityID); err != nil {
		e.logger.Error("failed to mark entity as generating",
			"run_id", run.ID, "entity", run.TargetEntityID, "error", err)
	}

	// Events of one run are appended in strict order even while sibling
	// steps of a layer run concurrently.
	var appendMu sync.Mutex
	appendEvent := func(step string, status models.StepStatus, reason string) {
		appendMu.Lock()
		defer appendMu.Unlock()
		if _, err := e.store.AppendEvent(ctx, run.ID, step, status, reason); err != nil {
			e.logger.Error("failed to append step event",
				"run_id", run.ID, "step", step, "status", status, "error", err)
		}
	}

	var failure error
	for _, layer := range def.Layers {
		if err := e.runLayer(ctx, run, layer, input, appendEvent); err != nil {
			failure = err
			break
		}
	}

	e.finish(ctx, run, failure)
}

// runLayer executes all steps of one layer and waits for every one of them
// to settle. Sibling steps keep running even after one of them fails, so no
// external side effect is orphaned mid-flight; the returned error is the
// first failure.
func (e *Executor) runLayer(ctx context.Context, run *models.WorkflowRun, layer []string, input map[string]any, appendEvent func(string, models.StepStatus, string)) error {
	if len(layer) == 1 {
		return e.runStep(ctx, run, layer[0], input, appendEvent)
	}

	g := new(errgroup.Group)
	for _, step := range layer {
		g.Go(func() error {
			return e.runStep(ctx, run, step, input, appendEvent)
		})
	}
	return g.Wait()
}

// runStep emits started, invokes the step's unit of work, and emits
// completed or error. The unit of work is never retried here: whatever side
// effects it performed stand.
func (e *Executor) runStep(ctx context.Context, run *models.WorkflowRun, step string, input map[string]any, appendEvent func(string, models.StepStatus, string)) error {
	appendEvent(step, models.StepStatusStarted, "")

	if err := e.invoker.InvokeStep(ctx, run, step, input); err != nil {
		appendEvent(step, models.StepStatusError, err.Error())
		return fmt.Errorf("step %s: %w", step, err)
	}

	appendEvent(step, models.StepStatusCompleted, "")
	return nil
}

// finish appends the synthetic terminal event and releases the entity guard.
func (e *Executor) finish(ctx context.Context, run *models.WorkflowRun, failure error) {
	if failure != nil {
		e.logger.Info("workflow run failed", "run_id", run.ID, "kind", run.Kind, "error", failure)
		if _, err := e.store.AppendEvent(ctx, run.ID, models.StepWorkflowError, models.StepStatusError, failure.Error()); err != nil {
			e.logger.Error("failed to append terminal error event", "run_id", run.ID, "error", err)
		}
	} else {
		e.logger.Info("workflow run completed", "run_id", run.ID, "kind", run.Kind)
		if _, err := e.store.AppendEvent(ctx, run.ID, models.StepWorkflowComplete, models.StepStatusCompleted, ""); err != nil {
			e.logger.Error("failed to append terminal completed event", "run_id", run.ID, "error", err)
		}
	}

	if err := e.entities.ClearGenerating(ctx, run.Kind, run.TargetEntityID); err != nil {
		e.logger.Error("failed to clear entity generation flag",
			"run_id", run.ID, "entity", run.TargetEntityID, "error", err)
	}
}
