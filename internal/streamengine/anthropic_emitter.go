package streamengine

import (
	"encoding/json"
	"fmt"
	"net/http"

	"llmrelay/internal/backend"
)

// AnthropicEmitter writes the Anthropic Messages streaming wire format:
// message_start, then per-block content_block_start/_delta/_stop events in
// declared order, then message_delta/message_stop (spec.md §4.5).
type AnthropicEmitter struct {
	w         http.ResponseWriter
	f         http.Flusher
	model     string
	msgID     string
	toolIDs   map[int]string
	blockKind map[int]BlockKind
}

func NewAnthropicEmitter(w http.ResponseWriter, model, msgID string) *AnthropicEmitter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &AnthropicEmitter{
		w: w, f: flusher, model: model, msgID: msgID,
		toolIDs: map[int]string{}, blockKind: map[int]BlockKind{},
	}
}

func (e *AnthropicEmitter) write(eventType string, payload map[string]any) {
	payload["type"] = eventType
	b, _ := json.Marshal(payload)
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", eventType, b)
	if e.f != nil {
		e.f.Flush()
	}
}

func (e *AnthropicEmitter) Start() {
	e.write("message_start", map[string]any{
		"message": map[string]any{
			"id": e.msgID, "type": "message", "role": "assistant", "model": e.model,
			"content": []any{}, "stop_reason": nil,
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (e *AnthropicEmitter) BlockStart(idx int, kind BlockKind, toolID, toolName string) {
	e.blockKind[idx] = kind
	var block map[string]any
	switch kind {
	case KindThought:
		block = map[string]any{"type": "thinking", "thinking": ""}
	case KindTool:
		e.toolIDs[idx] = toolID
		block = map[string]any{"type": "tool_use", "id": toolID, "name": toolName, "input": map[string]any{}}
	default:
		block = map[string]any{"type": "text", "text": ""}
	}
	e.write("content_block_start", map[string]any{"index": idx, "content_block": block})
}

// TextDelta is used for both plain text and thinking text; the delta type
// on the wire depends on which kind of block this index opened as.
func (e *AnthropicEmitter) TextDelta(idx int, text string) {
	deltaType := "text_delta"
	field := "text"
	if e.blockKind[idx] == KindThought {
		deltaType, field = "thinking_delta", "thinking"
	}
	e.write("content_block_delta", map[string]any{
		"index": idx, "delta": map[string]any{"type": deltaType, field: text},
	})
}

func (e *AnthropicEmitter) ToolArgsDelta(idx int, argsDelta string) {
	e.write("content_block_delta", map[string]any{
		"index": idx, "delta": map[string]any{"type": "input_json_delta", "partial_json": argsDelta},
	})
}

func (e *AnthropicEmitter) BlockStop(idx int, kind BlockKind, signature string) {
	if kind == KindThought && signature != "" {
		e.write("content_block_delta", map[string]any{
			"index": idx, "delta": map[string]any{"type": "signature_delta", "signature": signature},
		})
	}
	e.write("content_block_stop", map[string]any{"index": idx})
}

func (e *AnthropicEmitter) Finish(reason string, usage *backend.Usage) {
	usageOut := map[string]any{"output_tokens": 0}
	if usage != nil {
		usageOut["output_tokens"] = usage.OutputTokens
	}
	stopReason := reason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	e.write("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": usageOut,
	})
	e.write("message_stop", map[string]any{})
}
