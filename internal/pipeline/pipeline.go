// Package pipeline declares the static step pipelines for each workflow kind.
//
// A pipeline is an ordered list of layers. Steps within one layer are
// mutually independent and may run concurrently; a layer only starts once
// every step of the previous layer has settled. Definitions are loaded once
// at process start and never mutated.
package pipeline

import (
	"fmt"

	"courseforge/backend/pkg/models"
)

// ErrUnknownWorkflowKind is returned when no pipeline is registered for a kind.
var ErrUnknownWorkflowKind = fmt.Errorf("pipeline: unknown workflow kind")

// Definition describes the step graph for one workflow kind.
type Definition struct {
	Kind models.WorkflowKind

	// Layers is the dependency-ordered step graph. Each inner slice is a
	// group of steps that may run concurrently with each other.
	Layers [][]string

	// Required lists the kind-specific request fields the Trigger endpoint
	// must validate, beyond the universal targetEntityId.
	Required []string
}

// Steps returns every step name in layer order.
func (d Definition) Steps() []string {
	var steps []string
	for _, layer := range d.Layers {
		steps = append(steps, layer...)
	}
	return steps
}

// Registry maps workflow kinds to their pipeline definitions. It is
// read-only after construction.
type Registry struct {
	defs map[models.WorkflowKind]Definition
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs ...Definition) *Registry {
	m := make(map[models.WorkflowKind]Definition, len(defs))
	for _, d := range defs {
		m[d.Kind] = d
	}
	return &Registry{defs: m}
}

// Get returns the definition for a kind, or ErrUnknownWorkflowKind.
func (r *Registry) Get(kind models.WorkflowKind) (Definition, error) {
	d, ok := r.defs[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownWorkflowKind, kind)
	}
	return d, nil
}

// Kinds returns all registered workflow kinds.
func (r *Registry) Kinds() []models.WorkflowKind {
	kinds := make([]models.WorkflowKind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	return kinds
}

// DefaultRegistry returns the production pipelines for the four generation
// workflows. Image and audio generation depend on the content they
// illustrate, so they sit in a layer of their own; within that layer they
// are independent of each other and run concurrently.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Definition{
			Kind: models.KindCourseGeneration,
			Layers: [][]string{
				{"getCourseSuggestion"},
				{"generateCourseMetadata"},
				{"generateChapterOutlines"},
				{"generateCourseImage", "generateCourseAudio"},
				{"setCourseAsCompleted"},
			},
			Required: []string{"courseSuggestionId", "courseTitle"},
		},
		Definition{
			Kind: models.KindChapterGeneration,
			Layers: [][]string{
				{"getChapterOutline"},
				{"generateLessonOutlines"},
				{"generateChapterImage"},
				{"setChapterAsCompleted"},
			},
			Required: []string{"courseId"},
		},
		Definition{
			Kind: models.KindLessonGeneration,
			Layers: [][]string{
				{"getLessonOutline"},
				{"generateLessonContent"},
				{"generateLessonIllustrations", "generateLessonAudio"},
				{"setLessonAsCompleted"},
			},
			Required: []string{"chapterId"},
		},
		Definition{
			Kind: models.KindActivityGeneration,
			Layers: [][]string{
				{"getLessonContext"},
				{"generateActivityContent"},
				{"generateActivityIllustrations", "generateVocabularyAudio"},
				{"setActivityAsCompleted"},
			},
			Required: []string{"lessonId", "activityType"},
		},
	)
}
