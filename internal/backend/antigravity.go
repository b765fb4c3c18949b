package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
	"llmrelay/internal/router"
)

// Antigravity speaks Gemini's native contents[].parts[] wire format
// (spec.md §6): genai.Content/genai.Part mirror that shape exactly, so the
// adapter builds requests with the real SDK types and consumes its native
// streaming iterator rather than hand-rolling SSE parsing.
type Antigravity struct {
	client     *genai.Client
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewAntigravity(ctx context.Context, baseURL, apiKey, defaultModel string, httpClient *http.Client) (*Antigravity, error) {
	opts := genai.HTTPOptions{}
	base := strings.TrimSuffix(baseURL, "/")
	if base != "" {
		opts.BaseURL = base + "/"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPClient:  httpClient,
		HTTPOptions: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: init antigravity client: %w", err)
	}
	return &Antigravity{client: client, model: defaultModel, baseURL: base, httpClient: httpClient}, nil
}

func (a *Antigravity) ID() string { return "antigravity" }

// Supports strips a "-thinking" suffix some clients append, then accepts
// both the Gemini and the Claude model families ("gemini" or "claude"
// prefix) (spec.md §4.7's model-name mapping).
func (a *Antigravity) Supports(model string) bool {
	m := strings.TrimSuffix(model, "-thinking")
	return strings.HasPrefix(m, "gemini") || strings.HasPrefix(m, "claude")
}

func (a *Antigravity) Health(ctx context.Context) error {
	return pingBaseURL(ctx, a.httpClient, a.baseURL)
}

func (a *Antigravity) Stream(ctx context.Context, req StreamRequest) (EventStream, *gwerr.Error) {
	contents, err := toGenaiContents(req.Messages)
	if err != nil {
		return nil, gwerr.New(gwerr.KindClientRequestInvalid, http.StatusBadRequest, "invalid message for antigravity", err)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.ThinkingEnabled {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGenaiTools(req.Tools)
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	seq := a.client.Models.GenerateContentStream(ctx, strings.TrimSuffix(model, "-thinking"), contents, cfg)
	return &antigravityStream{seq: seq}, nil
}

type antigravityStream struct {
	seq  iter.Seq2[*genai.GenerateContentResponse, error]
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *antigravityStream) Next(ctx context.Context) (Event, error) {
	if s.next == nil {
		next, stop := iter.Pull2(s.seq)
		s.next, s.stop = next, stop
	}
	resp, err, ok := s.next()
	if !ok {
		return Event{Done: true}, io.EOF
	}
	if err != nil {
		return Event{}, classifyGenaiErr(err)
	}
	return genaiResponseToEvent(resp), nil
}

func (s *antigravityStream) Close() error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// classifyGenaiErr maps a raw genai stream error onto its carried HTTP-ish
// status code (spec.md §4.6 rule 3); Gemini's 429 RetryInfo arrives inside
// Details, so it's folded into the classified body alongside Message for
// router.Classify's retryDelay extraction to find. A non-API error
// (context cancellation, a dial failure) classifies generically.
func classifyGenaiErr(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if len(apiErr.Details) > 0 {
			if b, merr := json.Marshal(apiErr.Details); merr == nil {
				body += " " + string(b)
			}
		}
		return router.Classify(apiErr.Code, body, nil)
	}
	return router.Classify(0, "", err)
}

func genaiResponseToEvent(resp *genai.GenerateContentResponse) Event {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Event{}
	}
	cand := resp.Candidates[0]
	var ev Event
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			argsJSON := ""
			if len(p.FunctionCall.Args) > 0 {
				if b, merr := json.Marshal(p.FunctionCall.Args); merr == nil {
					argsJSON = string(b)
				}
			}
			ev.ToolCall = &ToolCallDelta{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, ArgsDelta: argsJSON}
		}
		if p.Text != "" {
			if p.Thought {
				ev.Thought = true
			}
			ev.Text += p.Text
		}
		if len(p.ThoughtSignature) > 0 {
			ev.ThoughtSignature = base64.StdEncoding.EncodeToString(p.ThoughtSignature)
		}
	}
	if cand.FinishReason != "" {
		ev.FinishReason = string(cand.FinishReason)
	}
	if resp.UsageMetadata != nil {
		ev.Usage = &Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return ev
}

func toGenaiContents(msgs []protocol.InternalMessage) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == "model" {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				part := genai.NewPartFromFunctionCall(p.FunctionCall.Name, p.FunctionCall.Args)
				if sig, ok := decodeSig(p.ThoughtSignature); ok {
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			case p.FunctionResponse != nil:
				part := genai.NewPartFromFunctionResponse(p.FunctionResponse.Name, p.FunctionResponse.Response)
				part.FunctionResponse.ID = p.FunctionResponse.ID
				parts = append(parts, part)
			case p.InlineImage != nil:
				data, _ := base64.StdEncoding.DecodeString(p.InlineImage.Data)
				parts = append(parts, genai.NewPartFromBytes(data, p.InlineImage.MimeType))
			default:
				part := &genai.Part{Text: p.Text, Thought: p.Thought}
				if sig, ok := decodeSig(p.ThoughtSignature); ok {
					part.ThoughtSignature = sig
				}
				parts = append(parts, part)
			}
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out, nil
}

func decodeSig(sig string) ([]byte, bool) {
	if sig == "" {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, false
	}
	return b, true
}

func toGenaiTools(tools []protocol.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromMap(t.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaFromMap round-trips an Anthropic/OpenAI-style JSON schema map into
// a genai.Schema through encoding/json rather than hand-mapping every
// OpenAPI field, since genai.Schema's json tags already match that shape.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var s genai.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return &s
}
