package streamengine

import (
	"encoding/json"

	"llmrelay/internal/backend"
	"llmrelay/internal/protocol"
)

// Collector is a no-op Emitter that reassembles a full InternalMessage
// instead of writing SSE, backing spec.md §4.5's non-stream auto-conversion:
// the gateway issues the upstream as SSE internally (quota is more
// generous) and the collector concatenates text deltas, coalesces tool-call
// argument fragments by index, and reconstructs a usage block from the
// final message.
type Collector struct {
	parts        []protocol.Part
	toolArgs     map[int]*toolDraft
	textIdx      map[int]int
	FinishReason string
	Usage        *backend.Usage
}

type toolDraft struct {
	id, name string
	args     []byte
}

func NewCollector() *Collector {
	return &Collector{toolArgs: map[int]*toolDraft{}, textIdx: map[int]int{}}
}

func (c *Collector) Start() {}

func (c *Collector) BlockStart(idx int, kind BlockKind, toolID, toolName string) {
	switch kind {
	case KindThought:
		c.parts = append(c.parts, protocol.Part{Thought: true})
		c.textIdx[idx] = len(c.parts) - 1
	case KindTool:
		c.toolArgs[idx] = &toolDraft{id: toolID, name: toolName}
		c.parts = append(c.parts, protocol.Part{})
		c.textIdx[idx] = len(c.parts) - 1
	default:
		c.parts = append(c.parts, protocol.Part{})
		c.textIdx[idx] = len(c.parts) - 1
	}
}

func (c *Collector) TextDelta(idx int, text string) {
	if pi, ok := c.textIdx[idx]; ok {
		c.parts[pi].Text += text
	}
}

func (c *Collector) ToolArgsDelta(idx int, argsDelta string) {
	if td, ok := c.toolArgs[idx]; ok {
		td.args = append(td.args, []byte(argsDelta)...)
	}
}

func (c *Collector) BlockStop(idx int, kind BlockKind, signature string) {
	pi, ok := c.textIdx[idx]
	if !ok {
		return
	}
	if kind == KindThought {
		c.parts[pi].ThoughtSignature = signature
	}
	if td, ok := c.toolArgs[idx]; ok {
		c.parts[pi].FunctionCall = &protocol.FunctionCall{
			ID: td.id, Name: td.name, Args: decodeCollectedArgs(td.args),
		}
	}
}

func (c *Collector) Finish(reason string, usage *backend.Usage) {
	c.FinishReason = reason
	c.Usage = usage
}

// Message returns the assembled assistant turn.
func (c *Collector) Message() protocol.InternalMessage {
	return protocol.InternalMessage{Role: "model", Parts: c.parts}
}

func decodeCollectedArgs(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
