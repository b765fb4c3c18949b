package protocol

import (
	"encoding/json"
	"strings"
)

// OpenAIRequestToInternal converts an OpenAI chat.completions request into
// the internal parts model. Per spec.md §4.4 this is a dual scan: the
// first pass builds a tool_call_id -> name map from every assistant
// message's tool_calls, the second pass converts messages and drops any
// `tool` role message whose tool_call_id has no match (an orphan result
// the client sent without its paired call, e.g. after history truncation).
func OpenAIRequestToInternal(req *ChatRequest) (system string, msgs []InternalMessage) {
	idToName := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			idToName[tc.ID] = tc.Function.Name
		}
	}

	msgs = make([]InternalMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system += m.ContentText()
			continue
		}
		if m.Role == "tool" {
			if _, ok := idToName[m.ToolCallID]; !ok {
				continue // orphan tool result, dropped per spec.md §4.4
			}
			msgs = append(msgs, InternalMessage{Role: "tool", Parts: []Part{{
				FunctionResponse: &FunctionResponse{
					ID:   m.ToolCallID,
					Name: idToName[m.ToolCallID],
					Response: map[string]any{"output": m.ContentText()},
				},
			}}})
			continue
		}

		parts := openAIContentToParts(m.ContentText())
		for _, tc := range m.ToolCalls {
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				ID: tc.ID, Name: tc.Function.Name, Args: decodeArgs(tc.Function.Arguments),
			}})
		}
		msgs = append(msgs, InternalMessage{Role: anthropicRoleToInternal(m.Role), Parts: parts})
	}
	return system, msgs
}

func decodeArgs(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// openAIContentToParts splits out any <think>...</think> runs a client
// re-submitted verbatim from a prior assistant turn (spec.md §4.4's
// internal->OpenAI direction wraps thought parts this way, so the reverse
// direction must recognize them on replay) into thinking parts; the
// signature is recovered separately by the sanitizer/sigcache, not here.
func openAIContentToParts(content string) []Part {
	if !strings.Contains(content, "<think>") {
		if content == "" {
			return nil
		}
		return []Part{{Text: content}}
	}

	var parts []Part
	rest := content
	for {
		start := strings.Index(rest, "<think>")
		if start < 0 {
			if rest != "" {
				parts = append(parts, Part{Text: rest})
			}
			break
		}
		if start > 0 {
			parts = append(parts, Part{Text: rest[:start]})
		}
		rest = rest[start+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			parts = append(parts, Part{Thought: true, Text: rest})
			break
		}
		parts = append(parts, Part{Thought: true, Text: rest[:end]})
		rest = rest[end+len("</think>"):]
	}
	return parts
}

// InternalToOpenAIMessages assembles a non-streaming OpenAI-shaped
// messages array from the internal model: thought parts are wrapped in
// <think>...</think> within the content channel, function_call parts
// become tool_calls, and when decoration is enabled the tool id is
// rewritten to base__thought__signature (spec.md §4.4).
func InternalToOpenAIMessages(msgs []InternalMessage, decorateToolIDs bool) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, internalMessageToOpenAI(m, decorateToolIDs))
	}
	return out
}

func internalMessageToOpenAI(m InternalMessage, decorateToolIDs bool) ChatMessage {
	cm := ChatMessage{Role: internalRoleToOpenAI(m.Role)}
	var content strings.Builder
	for _, p := range m.Parts {
		switch {
		case p.Redacted:
			continue // no recoverable text to surface
		case p.Thought:
			content.WriteString("\n<think>\n")
			content.WriteString(p.Text)
			content.WriteString("\n</think>\n")
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if decorateToolIDs && p.ThoughtSignature != "" {
				id = decorateID(id, p.ThoughtSignature)
			}
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			cm.ToolCalls = append(cm.ToolCalls, ToolCall{
				ID: id, Type: "function",
				Function: ToolCallFunc{Name: p.FunctionCall.Name, Arguments: string(argsJSON)},
			})
		case p.FunctionResponse != nil:
			cm.Role = "tool"
			cm.ToolCallID = p.FunctionResponse.ID
			content.WriteString(outputText(p.FunctionResponse.Response))
		default:
			content.WriteString(p.Text)
		}
	}
	cm.Content = content.String()
	return cm
}

func internalRoleToOpenAI(role string) string {
	if role == "model" {
		return "assistant"
	}
	return role
}

func outputText(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	if s, ok := resp["output"].(string); ok {
		return s
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return ""
	}
	return string(b)
}

// decorateID is a thin wrapper kept local to protocol to avoid an import
// cycle with sigcache (which also exposes Decorate for C2's own use); both
// implement the identical "__thought__" scheme from spec.md's glossary.
func decorateID(base, sig string) string {
	if sig == "" {
		return base
	}
	return base + "__thought__" + sig
}
