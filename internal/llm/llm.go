package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a role-tagged chat message sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Request describes one completion call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
	// JSON asks the provider for a single JSON object.
	JSON bool
	// Schema optionally constrains JSON output. Providers that cannot
	// enforce a schema fall back to plain JSON mode.
	Schema *Schema
}

// Schema is a named JSON schema for structured output.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// Client is the completion provider used by the conversation agents.
type Client interface {
	// Complete returns the full generated text.
	Complete(ctx context.Context, req Request) (string, error)
	// Stream returns the generated text incrementally.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields generated text fragments. Recv returns io.EOF once the
// completion is finished.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("empty completion response")

// ProviderError wraps any upstream failure: transport errors, timeouts,
// rate limits and malformed responses alike.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err came from a provider.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
