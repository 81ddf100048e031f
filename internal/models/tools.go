// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
)

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "identify_sake")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// Decode unmarshals the call arguments into dst. Empty arguments decode as {}.
func (fc FunctionCall) Decode(dst interface{}) error {
	raw := fc.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to parse %s arguments: %w", fc.Name, err)
	}
	return nil
}

// ToolStep is one executed tool call with its outcome, kept for post-turn context updates.
type ToolStep struct {
	Call   ToolCall `json:"call"`
	Result string   `json:"result"`          // JSON result sent back to the model
	Error  string   `json:"error,omitempty"` // set when the tool failed
}
