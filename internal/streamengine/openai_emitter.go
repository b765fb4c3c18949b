package streamengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"llmrelay/internal/backend"
)

// OpenAIEmitter writes OpenAI chat.completion.chunk SSE deltas (spec.md
// §4.5): a thought run is wrapped in literal "\n<think>\n"/"\n</think>\n"
// text deltas since OpenAI's wire format has no native thinking block, and
// tool-call deltas use stable index values with concatenated arguments.
type OpenAIEmitter struct {
	w         http.ResponseWriter
	f         http.Flusher
	model     string
	chunkID   string
	blockKind map[int]BlockKind
	toolIndex map[int]int // our block idx -> the OpenAI tool_calls array index
	nextTool  int
}

func NewOpenAIEmitter(w http.ResponseWriter, model, chunkID string) *OpenAIEmitter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &OpenAIEmitter{
		w: w, f: flusher, model: model, chunkID: chunkID,
		blockKind: map[int]BlockKind{}, toolIndex: map[int]int{},
	}
}

func (e *OpenAIEmitter) write(delta map[string]any, finishReason any) {
	chunk := map[string]any{
		"id": e.chunkID, "object": "chat.completion.chunk", "model": e.model,
		"choices": []any{map[string]any{"index": 0, "delta": delta, "finish_reason": finishReason}},
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(chunk)
	fmt.Fprintf(e.w, "data: %s\n\n", bytes.TrimRight(buf.Bytes(), "\n"))
	if e.f != nil {
		e.f.Flush()
	}
}

func (e *OpenAIEmitter) Start() {
	e.write(map[string]any{"role": "assistant", "content": ""}, nil)
}

func (e *OpenAIEmitter) BlockStart(idx int, kind BlockKind, toolID, toolName string) {
	e.blockKind[idx] = kind
	switch kind {
	case KindThought:
		e.write(map[string]any{"content": "\n<think>\n"}, nil)
	case KindTool:
		toolIdx := e.nextTool
		e.nextTool++
		e.toolIndex[idx] = toolIdx
		e.write(map[string]any{"tool_calls": []any{map[string]any{
			"index": toolIdx, "id": toolID, "type": "function",
			"function": map[string]any{"name": toolName, "arguments": ""},
		}}}, nil)
	}
}

func (e *OpenAIEmitter) TextDelta(idx int, text string) {
	e.write(map[string]any{"content": text}, nil)
}

func (e *OpenAIEmitter) ToolArgsDelta(idx int, argsDelta string) {
	toolIdx := e.toolIndex[idx]
	e.write(map[string]any{"tool_calls": []any{map[string]any{
		"index": toolIdx, "function": map[string]any{"arguments": argsDelta},
	}}}, nil)
}

func (e *OpenAIEmitter) BlockStop(idx int, kind BlockKind, signature string) {
	if kind == KindThought {
		e.write(map[string]any{"content": "\n</think>\n"}, nil)
	}
}

func (e *OpenAIEmitter) Finish(reason string, usage *backend.Usage) {
	if reason == "" {
		reason = "stop"
	}
	e.write(map[string]any{}, mapFinishReason(reason))
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	if e.f != nil {
		e.f.Flush()
	}
}

// mapFinishReason normalizes Anthropic-shaped stop reasons ("end_turn",
// "tool_use") to their OpenAI equivalents for backends that are natively
// Anthropic (kiro).
func mapFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop":
		return "stop"
	case "tool_use", "tool_calls":
		return "tool_calls"
	case "max_tokens", "length":
		return "length"
	default:
		return reason
	}
}
