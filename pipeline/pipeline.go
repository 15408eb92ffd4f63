// Package pipeline runs an ordered chain of request-processing stages over a
// mutable, single-threaded request context. It is the backbone of the
// authorize and token endpoints: decorators and validators run in a fixed
// order, expected protocol failures terminate the chain by setting a response
// on the context, and unexpected stage errors propagate uncaught to the
// boundary's fault handling.
package pipeline

import (
	"context"
	"fmt"
)

// Outcome tells the dispatcher whether to keep running stages. Stages that
// want to stop the chain without an error (for example a consent-required
// redirect) return Halt instead of invoking a continuation.
type Outcome int

const (
	// Continue proceeds to the next stage.
	Continue Outcome = iota
	// Halt stops the chain after this stage. The context's response, if any,
	// is the terminal result.
	Halt
)

// Responder is the capability every pipeline context must expose: whether a
// terminal response (success or protocol error) has been set. Once it
// reports true, no further stage runs; stages therefore never observe a
// context whose protocol decision has already been made.
type Responder interface {
	Responded() bool
}

// Stage is a single named step in a chain. A stage either advances the
// context (setting validated facts or a terminal response) and returns
// Continue, or returns Halt to short-circuit. A non-nil error is NOT a
// protocol failure: it signals an invariant or infrastructure fault and
// aborts the chain immediately.
type Stage[R Responder] struct {
	Name string
	Run  func(ctx context.Context, rc R) (Outcome, error)
}

// Run executes stages in order against rc.
//
// Before each stage it checks ctx for cancellation and rc for an existing
// terminal response; either stops the chain. A cancelled chain returns
// ctx.Err() and never produces a partial success response, though side
// effects already committed by earlier stages (such as a deleted
// authorization code) stand.
func Run[R Responder](ctx context.Context, rc R, stages []Stage[R]) error {
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rc.Responded() {
			return nil
		}

		outcome, err := stage.Run(ctx, rc)
		if err != nil {
			return fmt.Errorf("pipeline stage %q: %w", stage.Name, err)
		}
		if outcome == Halt {
			return nil
		}
	}
	return nil
}
