package agent

import (
	"errors"
	"fmt"
)

// ErrToolLoopExhausted indicates the model kept requesting tools past the
// round limit without producing a final answer.
var ErrToolLoopExhausted = errors.New("tool loop exhausted")

// LoopError wraps a failure of the tool-call loop with the round it
// happened in. Round is 1-based.
type LoopError struct {
	ModelID   string
	Round     int
	MaxRounds int
	Err       error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop (model %s, round %d/%d): %v", e.ModelID, e.Round, e.MaxRounds, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Err
}
