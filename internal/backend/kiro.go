package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
	"llmrelay/internal/router"
)

// Kiro speaks Anthropic's native Messages wire format directly, so request
// content blocks and thinking signatures survive without any lossy
// round-trip (spec.md §6's kiro backend is Anthropic-compatible).
type Kiro struct {
	sdk        anthropic.Client
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewKiro(baseURL, apiKey, defaultModel string, httpClient *http.Client) *Kiro {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	return &Kiro{sdk: anthropic.NewClient(opts...), model: defaultModel, baseURL: baseURL, httpClient: httpClient}
}

func (k *Kiro) ID() string { return "kiro" }

func (k *Kiro) Supports(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func (k *Kiro) Health(ctx context.Context) error {
	return pingBaseURL(ctx, k.httpClient, k.baseURL)
}

func (k *Kiro) Stream(ctx context.Context, req StreamRequest) (EventStream, *gwerr.Error) {
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, gwerr.New(gwerr.KindClientRequestInvalid, http.StatusBadRequest, "invalid message for kiro", err)
	}

	model := req.Model
	if model == "" {
		model = k.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.ThinkingEnabled {
		const budget int64 = 1024
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + 1024
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := k.sdk.Messages.NewStreaming(ctx, params)
	return &kiroStream{stream: stream, thinkingIdx: map[int64]bool{}}, nil
}

// kiroStream converts the SDK's per-event stream into normalized Events
// one event at a time rather than accumulating a whole message, so C7 can
// forward deltas immediately instead of waiting on a full response.
type kiroStream struct {
	stream      *ssestream.Stream[anthropic.MessageStreamEventUnion]
	thinkingIdx map[int64]bool
}

func (s *kiroStream) Next(ctx context.Context) (Event, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch block := ev.ContentBlock.AsAny().(type) {
			case anthropic.ThinkingBlock:
				s.thinkingIdx[ev.Index] = true
				if block.Thinking != "" {
					return Event{Thought: true, Text: block.Thinking, ThoughtSignature: block.Signature}, nil
				}
			case anthropic.ToolUseBlock:
				return Event{ToolCall: &ToolCallDelta{Index: int(ev.Index), ID: block.ID, Name: block.Name}}, nil
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					return Event{Text: delta.Text}, nil
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					return Event{Thought: true, Text: delta.Thinking}, nil
				}
			case anthropic.SignatureDelta:
				if delta.Signature != "" {
					return Event{Thought: true, ThoughtSignature: delta.Signature}, nil
				}
			case anthropic.InputJSONDelta:
				if delta.PartialJSON != "" {
					return Event{ToolCall: &ToolCallDelta{Index: int(ev.Index), ArgsDelta: delta.PartialJSON}}, nil
				}
			}
		case anthropic.MessageDeltaEvent:
			out := Event{Usage: &Usage{OutputTokens: ev.Usage.OutputTokens}}
			if ev.Delta.StopReason != "" {
				out.FinishReason = string(ev.Delta.StopReason)
			}
			return out, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return Event{}, classifyAnthropicErr(err)
	}
	return Event{Done: true}, io.EOF
}

func (s *kiroStream) Close() error { return s.stream.Close() }

// classifyAnthropicErr maps a raw anthropic-sdk-go stream error onto its
// carried HTTP status (spec.md §4.6 rule 3) instead of letting it surface
// as an opaque transport error; a non-API error (context cancellation, a
// dial failure) classifies generically.
func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return router.Classify(apiErr.StatusCode, apiErr.Error(), nil)
	}
	return router.Classify(0, "", err)
}

func toAnthropicMessages(msgs []protocol.InternalMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				blocks = append(blocks, anthropic.NewToolUseBlock(p.FunctionCall.ID, p.FunctionCall.Args, p.FunctionCall.Name))
			case p.FunctionResponse != nil:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.FunctionResponse.ID, outputText(p.FunctionResponse.Response), false))
			case p.Thought:
				if p.ThoughtSignature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(p.ThoughtSignature, p.Text))
				}
			case p.InlineImage != nil:
				blocks = append(blocks, anthropic.NewImageBlockBase64(p.InlineImage.MimeType, p.InlineImage.Data))
			default:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "model":
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toAnthropicTools(tools []protocol.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.InputSchema["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if req, ok := t.InputSchema["required"].([]any); ok {
			reqd := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					reqd = append(reqd, s)
				}
			}
			schema.ExtraFields = map[string]any{"required": reqd}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{Name: t.Name, Description: anthropic.String(t.Description), InputSchema: schema},
		})
	}
	return out
}
