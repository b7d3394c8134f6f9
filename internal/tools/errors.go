package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch
// (hallucinated or retired tool name), not a transient execution
// failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidInput is returned when tool arguments fail schema
// validation. It identifies the offending field so the model can
// correct the call on the next round.
type ErrInvalidInput struct {
	ToolName string
	Field    string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid_input: %s.%s: %s", e.ToolName, e.Field, e.Reason)
}
