package ai

import (
	"context"
	"encoding/json"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCallDelta is one fragment of a streamed tool invocation. The provider
// spreads the call across chunks; Index ties fragments to the same call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed completion event. Any of the fields may be unset.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// ToolDef describes a callable tool advertised to the provider.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// StreamProvider streams chat completion chunks. Both channels are closed
// when the stream ends.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolDef) (<-chan Chunk, <-chan error)
}

// ToolRunner executes a named tool with raw JSON arguments and returns the
// text to feed back into the conversation.
type ToolRunner interface {
	RunTool(ctx context.Context, name string, arguments string) (string, error)
}
