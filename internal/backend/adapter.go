// Package backend implements the backend adapters (C9): one per upstream
// (antigravity, copilot, kiro), each translating the internal parts model
// into that upstream's native wire format and consuming its native SDK
// streaming client, normalizing deltas into the shared Event shape C7
// operates on.
package backend

import (
	"context"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
)

// StreamRequest is what C8's dispatcher hands to an adapter for one chain
// attempt.
type StreamRequest struct {
	Model           string
	System          string
	Messages        []protocol.InternalMessage
	Tools           []protocol.Tool
	ThinkingEnabled bool
	MaxTokens       int
}

// ToolCallDelta is an incremental tool_call fragment, keyed by stable
// index so a caller can concatenate arguments across deltas (spec.md
// §4.5's "Tool-call deltas are emitted with stable index values").
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// Event is one normalized upstream delta, the common currency between
// every backend adapter and the streaming engine (C7).
type Event struct {
	Text             string
	Thought          bool
	ThoughtSignature string
	ToolCall         *ToolCallDelta
	FinishReason     string
	Usage            *Usage
	Done             bool
}

// Usage mirrors the subset of upstream usage accounting C13 persists.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// EventStream is a pull-based iterator over normalized Events, wrapping
// whichever upstream SDK's own streaming decoder is doing the actual SSE
// parsing underneath.
type EventStream interface {
	// Next advances to the next event. It returns io.EOF when the
	// upstream stream ends cleanly.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Adapter is the per-backend contract (spec.md §4.7).
type Adapter interface {
	ID() string
	Supports(model string) bool
	Stream(ctx context.Context, req StreamRequest) (EventStream, *gwerr.Error)
	Health(ctx context.Context) error
}
