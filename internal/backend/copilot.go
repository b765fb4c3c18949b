package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
	"llmrelay/internal/router"
)

// Copilot speaks OpenAI's native chat.completions wire format, so the
// adapter builds requests with the real SDK params and consumes its
// native streaming decoder (stream.Next()/Current()) instead of hand-
// rolling SSE parsing (spec.md §6, §4.7).
type Copilot struct {
	sdk        sdk.Client
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewCopilot(baseURL, apiKey, defaultModel string, httpClient *http.Client) *Copilot {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Copilot{sdk: sdk.NewClient(opts...), model: defaultModel, baseURL: baseURL, httpClient: httpClient}
}

func (c *Copilot) ID() string { return "copilot" }

// Supports rejects only "gemini"-prefixed models; every other name,
// Claude models included, is accepted, so Copilot acts as the
// OpenAI-shaped catch-all backend.
func (c *Copilot) Supports(model string) bool {
	return !strings.HasPrefix(model, "gemini")
}

func (c *Copilot) Health(ctx context.Context) error {
	return pingBaseURL(ctx, c.httpClient, c.baseURL)
}

func (c *Copilot) Stream(ctx context.Context, req StreamRequest) (EventStream, *gwerr.Error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(firstNonEmpty(req.Model, c.model)),
		Messages: toOpenAIMessages(req.System, req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	return &copilotStream{stream: stream}, nil
}

type copilotStream struct {
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *copilotStream) Next(ctx context.Context) (Event, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return Event{}, classifyOpenAIErr(err)
		}
		return Event{Done: true}, io.EOF
	}

	chunk := s.stream.Current()
	var ev Event
	if chunk.Usage.TotalTokens > 0 {
		ev.Usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	if len(chunk.Choices) == 0 {
		return ev, nil
	}

	choice := chunk.Choices[0]
	delta := choice.Delta
	if delta.Content != "" {
		ev.Text = delta.Content
	}
	for _, tc := range delta.ToolCalls {
		ev.ToolCall = &ToolCallDelta{
			Index: int(tc.Index), ID: tc.ID, Name: tc.Function.Name, ArgsDelta: tc.Function.Arguments,
		}
		if sig := extractThoughtSignature(tc.RawJSON()); sig != "" {
			ev.ThoughtSignature = sig
		}
		break // one tool-call delta per chunk in practice; a real multi-delta chunk is unseen upstream
	}
	if choice.FinishReason != "" {
		ev.FinishReason = string(choice.FinishReason)
	}
	return ev, nil
}

func (s *copilotStream) Close() error { return s.stream.Close() }

// classifyOpenAIErr maps a raw openai-go stream error onto its carried
// HTTP status (spec.md §4.6 rule 3) rather than letting it surface as an
// opaque transport error.
func classifyOpenAIErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return router.Classify(apiErr.StatusCode, apiErr.Error(), nil)
	}
	return router.Classify(0, "", err)
}

// extractThoughtSignature pulls a Gemini-via-OpenAI-shape
// extra_content.google.thought_signature out of a raw tool-call delta
// JSON fragment, the quirk some OpenAI-compatible Copilot routes surface
// for Gemini-backed models (mirrors the teacher's same extraction).
func extractThoughtSignature(raw string) string {
	var wrapper struct {
		ExtraContent struct {
			Google struct {
				ThoughtSignature string `json:"thought_signature"`
			} `json:"google"`
		} `json:"extra_content"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return ""
	}
	sig := wrapper.ExtraContent.Google.ThoughtSignature
	if sig == "" {
		return ""
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		return ""
	}
	return sig
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toOpenAIMessages(system string, msgs []protocol.InternalMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			out = append(out, sdk.UserMessage(textOf(m)))
		case "tool":
			for _, p := range m.Parts {
				if p.FunctionResponse != nil {
					out = append(out, sdk.ToolMessage(outputText(p.FunctionResponse.Response), p.FunctionResponse.ID))
				}
			}
		case "model":
			out = append(out, assistantMessage(m))
		}
	}
	return out
}

func assistantMessage(m protocol.InternalMessage) sdk.ChatCompletionMessageParamUnion {
	var asst sdk.ChatCompletionAssistantMessageParam
	var content strings.Builder
	for _, p := range m.Parts {
		switch {
		case p.Thought:
			content.WriteString("<think>\n" + p.Text + "\n</think>\n")
		case p.FunctionCall != nil:
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			fn := sdk.ChatCompletionMessageFunctionToolCallParam{
				ID: p.FunctionCall.ID,
				Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name: p.FunctionCall.Name, Arguments: string(argsJSON),
				},
			}
			asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
		default:
			content.WriteString(p.Text)
		}
	}
	asst.Content.OfString = sdk.String(content.String())
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func textOf(m protocol.InternalMessage) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func outputText(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	if s, ok := resp["output"].(string); ok {
		return s
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func toOpenAITools(tools []protocol.Tool) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name: t.Name, Description: sdk.String(t.Description), Parameters: t.InputSchema,
		}))
	}
	return out
}
