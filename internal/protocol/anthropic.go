// Package protocol implements the Anthropic <-> internal <-> OpenAI
// bidirectional converters (C6), grounded on the teacher's typed-message
// Provider contract (internal/llm.Message/ToolCall) generalized to a
// full discriminated content-block union, and on the pack's antigravity
// adapter's ClaudeRequest/ContentBlock shapes for exact wire fidelity.
package protocol

import "encoding/json"

// Block types, per spec.md §3.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockImage            = "image"
)

// Block is the discriminated union of Anthropic content block shapes.
// Converters switch on Type with one case per block type above; a block
// whose Type matches none of them is skipped without an error.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   *bool  `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an Anthropic inline image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one Anthropic messages-array entry. Content is duck-typed
// (string or []Block on the wire); Message.Blocks normalizes it.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Blocks normalizes Content into a []Block regardless of whether the wire
// payload used a bare string or an array of blocks.
func (m Message) Blocks() []Block {
	return ParseContentBlocks(m.Content)
}

// ParseContentBlocks duck-types an Anthropic `content` field: a bare
// string becomes a single text block, an array is decoded directly, and
// anything else (including nil) yields no blocks. Grounded on the pack's
// antigravity adapter parseContentBlocks helper.
func ParseContentBlocks(content any) []Block {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []Block{{Type: BlockText, Text: v}}
	case []Block:
		return v
	case []any:
		out := make([]Block, 0, len(v))
		for _, raw := range v {
			b, err := decodeBlock(raw)
			if err == nil {
				out = append(out, b)
			}
		}
		return out
	default:
		// Round-trip through JSON for any other duck-typed shape
		// (map[string]any slices coming off encoding/json.Unmarshal).
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var blocks []Block
		if err := json.Unmarshal(b, &blocks); err == nil {
			return blocks
		}
		return nil
	}
}

func decodeBlock(raw any) (Block, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return Block{}, err
	}
	var block Block
	err = json.Unmarshal(b, &block)
	return block, err
}

// ThinkingConfig mirrors the Anthropic request's `thinking` field.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a parsed Anthropic Messages request.
type Request struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Messages    []Message       `json:"messages"`
	System      any             `json:"system,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *ThinkingConfig `json:"thinking,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
}

// SystemText flattens the duck-typed `system` field (string or block
// array) into plain text, hoisting it the way spec.md §4.4's
// determinism rules require.
func SystemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		var out string
		for _, b := range ParseContentBlocks(v) {
			if b.Type == BlockText || b.Type == "" {
				out += b.Text
			}
		}
		return out
	}
}
