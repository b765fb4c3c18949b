package convstate

import (
	"encoding/json"

	"llmrelay/internal/protocol"
)

// marshalMessages/unmarshalMessages serialize the internal parts model for
// storage. A dedicated wire struct keeps this isolated from protocol.Part's
// json tags evolving independently of the on-disk schema.
type wirePart struct {
	Thought          bool                       `json:"thought,omitempty"`
	Text             string                     `json:"text,omitempty"`
	FunctionCall     *protocol.FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *protocol.FunctionResponse `json:"functionResponse,omitempty"`
	ThoughtSignature string                     `json:"thoughtSignature,omitempty"`
	Redacted         bool                       `json:"redacted,omitempty"`
	Data             string                     `json:"data,omitempty"`
	InlineImage      *protocol.InlineImage      `json:"inlineImage,omitempty"`
}

type wireMessage struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

func marshalMessages(msgs []protocol.InternalMessage) (string, error) {
	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: m.Role, Parts: make([]wirePart, 0, len(m.Parts))}
		for _, p := range m.Parts {
			wm.Parts = append(wm.Parts, wirePart{
				Thought: p.Thought, Text: p.Text, FunctionCall: p.FunctionCall,
				FunctionResponse: p.FunctionResponse, ThoughtSignature: p.ThoughtSignature,
				Redacted: p.Redacted, Data: p.Data, InlineImage: p.InlineImage,
			})
		}
		wire = append(wire, wm)
	}
	b, err := json.Marshal(wire)
	return string(b), err
}

func unmarshalMessages(s string) ([]protocol.InternalMessage, error) {
	if s == "" {
		return nil, nil
	}
	var wire []wireMessage
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return nil, err
	}
	out := make([]protocol.InternalMessage, 0, len(wire))
	for _, wm := range wire {
		im := protocol.InternalMessage{Role: wm.Role, Parts: make([]protocol.Part, 0, len(wm.Parts))}
		for _, p := range wm.Parts {
			im.Parts = append(im.Parts, protocol.Part{
				Thought: p.Thought, Text: p.Text, FunctionCall: p.FunctionCall,
				FunctionResponse: p.FunctionResponse, ThoughtSignature: p.ThoughtSignature,
				Redacted: p.Redacted, Data: p.Data, InlineImage: p.InlineImage,
			})
		}
		out = append(out, im)
	}
	return out, nil
}
