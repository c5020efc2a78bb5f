// Package engine defines the simulation engine capability and its built-in
// orbital debris implementation. The engine is a blocking, CPU-bound call
// from the worker's perspective; it exposes no cancellation point beyond
// checking the context between integration steps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProgressFunc receives progress updates during a run: a percentage in
// [0,100] and a short stage label.
type ProgressFunc func(pct int, stage string)

// Result is the output of a completed simulation run.
type Result struct {
	Summary json.RawMessage
}

// Engine runs a simulation from opaque scenario and species configuration.
type Engine interface {
	Run(ctx context.Context, scenario, species json.RawMessage, progress ProgressFunc) (*Result, error)
}

// Error is a simulation engine failure. Workers match on it to move the job
// to failed with the message recorded, instead of letting the failure
// propagate as a process crash.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failf(stage, format string, args ...any) *Error {
	return &Error{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// ResultSink persists engine output and returns a reference to it.
type ResultSink interface {
	Save(ctx context.Context, jobID string, summary []byte) (string, error)
}
