package gateway

import (
	"encoding/json"
	"net/http"

	"llmrelay/internal/backend"
	"llmrelay/internal/clientdetect"
	"llmrelay/internal/protocol"
	"llmrelay/internal/streamengine"
)

// openAIBuilder renders pipeline outcomes as OpenAI chat.completions wire
// shapes for both the streaming and non-streaming path.
type openAIBuilder struct{}

func (openAIBuilder) newStreamEmitter(w http.ResponseWriter, model, id string) streamengine.Emitter {
	return streamengine.NewOpenAIEmitter(w, model, id)
}

func (openAIBuilder) writeNonStream(w http.ResponseWriter, model, id string, msg protocol.InternalMessage, finishReason string, usage *backend.Usage) {
	cm := protocol.InternalToOpenAIMessages([]protocol.InternalMessage{msg}, false)[0]

	var inputTokens, outputTokens int64
	if usage != nil {
		inputTokens, outputTokens = usage.InputTokens, usage.OutputTokens
	}

	resp := map[string]any{
		"id": id, "object": "chat.completion", "model": model,
		"choices": []any{map[string]any{
			"index": 0, "message": cm, "finish_reason": chatFinishReason(finishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens": inputTokens, "completion_tokens": outputTokens,
			"total_tokens": inputTokens + outputTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func chatFinishReason(reason string) string {
	switch reason {
	case "", "end_turn":
		return "stop"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// toolsFromOpenAI maps an OpenAI chat.completions tools array onto the
// internal protocol.Tool shape the pipeline and backend adapters share.
func toolsFromOpenAI(defs []protocol.ToolDef) []protocol.Tool {
	out := make([]protocol.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, protocol.Tool{
			Name: d.Function.Name, Description: d.Function.Description, InputSchema: d.Function.Parameters,
		})
	}
	return out
}

// ChatCompletionsHandler implements POST /v1/chat/completions (spec.md
// §6), the OpenAI-protocol ingress used by Copilot-shaped and raw
// OpenAI-API clients.
func (a *App) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req protocol.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		client := clientdetect.Detect(r.Header.Get("User-Agent"), r.Header.Get("X-Forwarded-User-Agent"))
		system, msgs := protocol.OpenAIRequestToInternal(&req)

		scid, msgs := a.resolveConversation(r.Context(), r.Header.Get(conversationHeader), string(client.Type), msgs)
		if scid != "" {
			w.Header().Set(conversationHeader, scid)
		}

		in := pipelineInput{
			Model: req.Model, System: system, Messages: msgs, Tools: toolsFromOpenAI(req.Tools),
			ThinkingEnabled: true, MaxTokens: 0, Stream: req.Stream,
			Client: client, SCID: scid, ResponseID: newChunkID(),
		}
		a.runPipeline(r.Context(), w, openAIBuilder{}, in)
	}
}
