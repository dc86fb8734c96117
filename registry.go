package stepflow

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// StepFactory creates a fresh forward step.
type StepFactory[C any] func() Step[C]

// CompensatorFactory creates a fresh compensator.
type CompensatorFactory[C any] func() Compensator[C]

// Resolver turns a registered step type into an instance.
type Resolver[C any] interface {
	ResolveStep(stepType string) (Step[C], error)
	ResolveCompensator(stepType string) (Compensator[C], error)
}

// Registry maps step type strings to factory functions. It is safe for
// concurrent use, so one Registry can serve many pipelines.
type Registry[C any] struct {
	mu           sync.RWMutex
	steps        map[string]StepFactory[C]
	compensators map[string]CompensatorFactory[C]
}

// NewRegistry creates an empty Registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{
		steps:        make(map[string]StepFactory[C]),
		compensators: make(map[string]CompensatorFactory[C]),
	}
}

// Register adds a forward step factory for the given type string.
func (r *Registry[C]) Register(stepType string, factory StepFactory[C]) *Registry[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[stepType] = factory
	return r
}

// RegisterCompensator adds a compensator factory for the given type string.
func (r *Registry[C]) RegisterCompensator(stepType string, factory CompensatorFactory[C]) *Registry[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensators[stepType] = factory
	return r
}

// ResolveStep instantiates a forward step of the given type.
func (r *Registry[C]) ResolveStep(stepType string) (Step[C], error) {
	r.mu.RLock()
	factory, ok := r.steps[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return factory(), nil
}

// ResolveCompensator instantiates a compensator of the given type.
func (r *Registry[C]) ResolveCompensator(stepType string) (Compensator[C], error) {
	r.mu.RLock()
	factory, ok := r.compensators[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return factory(), nil
}

// Types returns all registered forward step types, sorted.
func (r *Registry[C]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.steps))
}
