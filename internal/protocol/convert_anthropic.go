package protocol

// AnthropicRequestToInternal converts an Anthropic Messages request into
// the internal parts model (spec.md §4.4). Determinism rules: block
// ordering is preserved; adjacent unsigned text blocks are merged; a
// tool_use/tool_result pair is never reordered relative to each other.
func AnthropicRequestToInternal(req *Request) (system string, msgs []InternalMessage) {
	system = SystemText(req.System)
	msgs = make([]InternalMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, InternalMessage{
			Role:  anthropicRoleToInternal(m.Role),
			Parts: blocksToParts(m.Blocks()),
		})
	}
	return system, msgs
}

func anthropicRoleToInternal(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

func internalRoleToAnthropic(role string) string {
	if role == "model" {
		return "assistant"
	}
	return role
}

func blocksToParts(blocks []Block) []Part {
	parts := make([]Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = mergeOrAppendText(parts, b.Text)
		case BlockThinking:
			parts = append(parts, Part{Thought: true, Text: b.Thinking, ThoughtSignature: b.Signature})
		case BlockRedactedThinking:
			parts = append(parts, Part{Thought: true, Redacted: true, Data: b.Data})
		case BlockToolUse:
			parts = append(parts, Part{
				FunctionCall:     &FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input},
				ThoughtSignature: b.Signature,
			})
		case BlockToolResult:
			parts = append(parts, Part{FunctionResponse: toolResultToFunctionResponse(b)})
		case BlockImage:
			if b.Source != nil {
				parts = append(parts, Part{InlineImage: &InlineImage{MimeType: b.Source.MediaType, Data: b.Source.Data}})
			}
		}
	}
	return parts
}

func toolResultToFunctionResponse(b Block) *FunctionResponse {
	resp := map[string]any{}
	switch c := b.Content.(type) {
	case string:
		resp["output"] = c
	default:
		resp["output"] = c
	}
	isErr := b.IsError != nil && *b.IsError
	return &FunctionResponse{ID: b.ToolUseID, Response: resp, IsError: isErr}
}

// mergeOrAppendText implements the "merge adjacent text blocks only when
// both sides are unsigned text" determinism rule: a thinking/tool part
// never merges into a following text part.
func mergeOrAppendText(parts []Part, text string) []Part {
	if n := len(parts); n > 0 {
		last := &parts[n-1]
		if !last.Thought && last.FunctionCall == nil && last.FunctionResponse == nil && last.InlineImage == nil {
			last.Text += text
			return parts
		}
	}
	return append(parts, Part{Text: text})
}

// InternalToAnthropicMessages rebuilds an Anthropic-shaped messages array
// from the internal model — used to assemble a non-streaming Anthropic
// response. The Kiro backend builds its request body with its own
// toAnthropicMessages, not with this function.
func InternalToAnthropicMessages(msgs []InternalMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			Role:    internalRoleToAnthropic(m.Role),
			Content: partsToBlocks(m.Parts),
		})
	}
	return out
}

func partsToBlocks(parts []Part) []Block {
	blocks := make([]Block, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Redacted:
			blocks = append(blocks, Block{Type: BlockRedactedThinking, Data: p.Data})
		case p.Thought:
			blocks = append(blocks, Block{Type: BlockThinking, Thinking: p.Text, Signature: p.ThoughtSignature})
		case p.FunctionCall != nil:
			blocks = append(blocks, Block{
				Type: BlockToolUse, ID: p.FunctionCall.ID, Name: p.FunctionCall.Name,
				Input: p.FunctionCall.Args, Signature: p.ThoughtSignature,
			})
		case p.FunctionResponse != nil:
			isErr := p.FunctionResponse.IsError
			blocks = append(blocks, Block{
				Type: BlockToolResult, ToolUseID: p.FunctionResponse.ID,
				Content: p.FunctionResponse.Response["output"], IsError: &isErr,
			})
		case p.InlineImage != nil:
			blocks = append(blocks, Block{Type: BlockImage, Source: &ImageSource{
				Type: "base64", MediaType: p.InlineImage.MimeType, Data: p.InlineImage.Data,
			}})
		default:
			blocks = append(blocks, Block{Type: BlockText, Text: p.Text})
		}
	}
	return blocks
}
