package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courseforge/backend/internal/pipeline"
	"courseforge/backend/internal/repository"
	"courseforge/backend/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// fakeInvoker settles each step according to the configured failures.
type fakeInvoker struct {
	mu       sync.Mutex
	failures map[string]error
	invoked  []string
}

func (f *fakeInvoker) InvokeStep(_ context.Context, _ *models.WorkflowRun, step string, _ map[string]any) error {
	f.mu.Lock()
	f.invoked = append(f.invoked, step)
	f.mu.Unlock()
	if err, ok := f.failures[step]; ok {
		return err
	}
	return nil
}

func (f *fakeInvoker) invokedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

// fakeEntities records generation flag transitions.
type fakeEntities struct {
	mu      sync.Mutex
	marked  int
	cleared int
}

func (f *fakeEntities) MarkGenerating(_ context.Context, _ models.WorkflowKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked++
	return nil
}

func (f *fakeEntities) ClearGenerating(_ context.Context, _ models.WorkflowKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeEntities) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked, f.cleared
}

// runToCompletion triggers the executor and waits for the terminal event.
func runToCompletion(t *testing.T, store repository.RunStore, exec *Executor, run *models.WorkflowRun) []models.StepEvent {
	t.Helper()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer sub.Close()

	exec.Start(run, nil)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok || ev.Terminal() {
				events, err := store.ReadEventsFrom(ctx, run.ID, 0)
				require.NoError(t, err)
				return events
			}
		case <-deadline:
			t.Fatal("run did not reach a terminal event")
		}
	}
}

func eventIndex(events []models.StepEvent, step string, status models.StepStatus) int {
	for _, ev := range events {
		if ev.Step == step && ev.Status == status {
			return ev.Index
		}
	}
	return -1
}

func TestExecutor_SuccessfulRun(t *testing.T) {
	store := repository.NewMemoryRunStore()
	invoker := &fakeInvoker{}
	entitySvc := &fakeEntities{}
	exec := New(store, pipeline.DefaultRegistry(), invoker, entitySvc, noopLogger{})

	run, err := store.CreateRun(context.Background(), models.KindCourseGeneration, "course-42")
	require.NoError(t, err)

	events := runToCompletion(t, store, exec, run)

	t.Run("terminal completed event is last", func(t *testing.T) {
		last := events[len(events)-1]
		assert.Equal(t, models.StepWorkflowComplete, last.Step)
		assert.Equal(t, models.StepStatusCompleted, last.Status)
	})

	t.Run("started precedes completed for every step", func(t *testing.T) {
		def, err := pipeline.DefaultRegistry().Get(models.KindCourseGeneration)
		require.NoError(t, err)
		for _, step := range def.Steps() {
			started := eventIndex(events, step, models.StepStatusStarted)
			completed := eventIndex(events, step, models.StepStatusCompleted)
			require.GreaterOrEqual(t, started, 0, "missing started for %s", step)
			require.GreaterOrEqual(t, completed, 0, "missing completed for %s", step)
			assert.Less(t, started, completed, "step %s", step)
		}
	})

	t.Run("layer ordering is respected", func(t *testing.T) {
		// Media steps may interleave with each other but must come after
		// the outline layer settles and before the completion marker starts.
		outlineDone := eventIndex(events, "generateChapterOutlines", models.StepStatusCompleted)
		imageStarted := eventIndex(events, "generateCourseImage", models.StepStatusStarted)
		audioStarted := eventIndex(events, "generateCourseAudio", models.StepStatusStarted)
		markerStarted := eventIndex(events, "setCourseAsCompleted", models.StepStatusStarted)

		assert.Less(t, outlineDone, imageStarted)
		assert.Less(t, outlineDone, audioStarted)
		assert.Less(t, eventIndex(events, "generateCourseImage", models.StepStatusCompleted), markerStarted)
		assert.Less(t, eventIndex(events, "generateCourseAudio", models.StepStatusCompleted), markerStarted)
	})

	t.Run("run status and guard released", func(t *testing.T) {
		got, err := store.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, got.Status)

		// the flag is cleared just after the terminal event is appended
		assert.Eventually(t, func() bool {
			marked, cleared := entitySvc.counts()
			return marked == 1 && cleared == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestExecutor_FailingStepStopsDownstream(t *testing.T) {
	store := repository.NewMemoryRunStore()
	invoker := &fakeInvoker{failures: map[string]error{
		"generateLessonContent": errors.New("model overloaded"),
	}}
	entitySvc := &fakeEntities{}
	exec := New(store, pipeline.DefaultRegistry(), invoker, entitySvc, noopLogger{})

	run, err := store.CreateRun(context.Background(), models.KindLessonGeneration, "lesson-5")
	require.NoError(t, err)

	events := runToCompletion(t, store, exec, run)

	last := events[len(events)-1]
	assert.Equal(t, models.StepWorkflowError, last.Step)
	assert.Equal(t, models.StepStatusError, last.Status)
	assert.Contains(t, last.Reason, "generateLessonContent")
	assert.Contains(t, last.Reason, "model overloaded")

	// nothing after the failing layer ever ran
	assert.NotContains(t, invoker.invokedSteps(), "generateLessonIllustrations")
	assert.NotContains(t, invoker.invokedSteps(), "setLessonAsCompleted")

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)

	assert.Eventually(t, func() bool {
		_, cleared := entitySvc.counts()
		return cleared == 1
	}, time.Second, 10*time.Millisecond, "guard must be released on failure too")
}

func TestExecutor_ParallelSiblingsFinishWhenOneFails(t *testing.T) {
	store := repository.NewMemoryRunStore()
	invoker := &fakeInvoker{failures: map[string]error{
		"generateLessonIllustrations": errors.New("image service down"),
		"generateLessonAudio":         errors.New("tts service down"),
	}}
	exec := New(store, pipeline.DefaultRegistry(), invoker, &fakeEntities{}, noopLogger{})

	run, err := store.CreateRun(context.Background(), models.KindLessonGeneration, "lesson-6")
	require.NoError(t, err)

	events := runToCompletion(t, store, exec, run)

	// both siblings settled and recorded their own failure
	assert.GreaterOrEqual(t, eventIndex(events, "generateLessonIllustrations", models.StepStatusError), 0)
	assert.GreaterOrEqual(t, eventIndex(events, "generateLessonAudio", models.StepStatusError), 0)

	// single run-level terminal error, no downstream step
	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, -1, eventIndex(events, "setLessonAsCompleted", models.StepStatusStarted))
}
