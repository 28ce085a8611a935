package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned when the loop's context is cancelled. The
	// context cause is wrapped alongside it.
	ErrCanceled = errors.New("agent loop cancelled")
	// ErrExhausted is returned when the iteration cap is hit and nothing
	// usable could be extracted from the transcript.
	ErrExhausted = errors.New("agent loop exhausted its iteration budget")
)

// ArgumentError reports tool arguments that could not be decoded.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
}
