package tools

import "fmt"

// ErrToolUnavailable indicates a tool was requested that is not
// registered. The message is written to be returned to the LLM as a
// tool result so the model can recover.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
