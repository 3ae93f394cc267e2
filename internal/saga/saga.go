// Package saga runs multi-step operations with compensation. Steps execute
// in order; when one fails, the compensations of every previously completed
// step run in reverse order. Compensation failures are collected and logged
// but never mask the error that triggered the rollback.
package saga

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is a single unit of work inside a saga. Compensate is optional:
// steps without side effects leave it nil.
type Step[T any] struct {
	Name       string
	Run        func(ctx context.Context, state *T) error
	Compensate func(ctx context.Context, state *T) error
}

// Saga is an ordered sequence of steps sharing a mutable state value.
type Saga[T any] struct {
	name  string
	steps []Step[T]
	log   zerolog.Logger
}

// New creates a named saga. The name appears in every log line the saga emits.
func New[T any](name string, log zerolog.Logger) *Saga[T] {
	return &Saga[T]{
		name: name,
		log:  log.With().Str("saga", name).Logger(),
	}
}

// AddStep appends a step and returns the saga for chaining.
func (s *Saga[T]) AddStep(step Step[T]) *Saga[T] {
	s.steps = append(s.steps, step)
	return s
}

// CompensationError records a single failed compensation.
type CompensationError struct {
	Step string
	Err  error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.Step, e.Err)
}

func (e CompensationError) Unwrap() error {
	return e.Err
}

// Result reports how an execution ended. Err is nil when every step
// completed. Completed lists the steps that returned nil, in execution
// order. When a step fails, FailedStep names it and Compensated lists
// the steps whose compensations ran, in the order they ran.
type Result[T any] struct {
	State            *T
	Completed        []string
	FailedStep       string
	Err              error
	Compensated      []string
	CompensationErrs []CompensationError
}

// Ok reports whether the saga completed without error.
func (r *Result[T]) Ok() bool {
	return r.Err == nil
}

// Execute runs the steps in order against state. It never panics across a
// step boundary and always returns a Result, even on compensation failure.
func (s *Saga[T]) Execute(ctx context.Context, state *T) *Result[T] {
	result := &Result[T]{State: state}

	for i, step := range s.steps {
		s.log.Debug().Str("step", step.Name).Msg("saga step starting")

		if err := step.Run(ctx, state); err != nil {
			s.log.Warn().Err(err).Str("step", step.Name).Msg("saga step failed, compensating")
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("step %s: %w", step.Name, err)
			s.compensate(ctx, state, i-1, result)
			return result
		}

		result.Completed = append(result.Completed, step.Name)
	}

	return result
}

// compensate unwinds steps [from..0] that declare a Compensate func.
func (s *Saga[T]) compensate(ctx context.Context, state *T, from int, result *Result[T]) {
	for i := from; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}

		if err := step.Compensate(ctx, state); err != nil {
			s.log.Error().Err(err).Str("step", step.Name).Msg("saga compensation failed")
			result.CompensationErrs = append(result.CompensationErrs, CompensationError{
				Step: step.Name,
				Err:  err,
			})
			continue
		}

		result.Compensated = append(result.Compensated, step.Name)
	}
}
