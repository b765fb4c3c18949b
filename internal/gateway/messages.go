package gateway

import (
	"encoding/json"
	"net/http"

	"llmrelay/internal/backend"
	"llmrelay/internal/clientdetect"
	"llmrelay/internal/protocol"
	"llmrelay/internal/streamengine"
)

// anthropicBuilder renders pipeline outcomes as Anthropic Messages wire
// shapes for both the streaming and non-streaming path.
type anthropicBuilder struct{}

func (anthropicBuilder) newStreamEmitter(w http.ResponseWriter, model, id string) streamengine.Emitter {
	return streamengine.NewAnthropicEmitter(w, model, id)
}

func (anthropicBuilder) writeNonStream(w http.ResponseWriter, model, id string, msg protocol.InternalMessage, finishReason string, usage *backend.Usage) {
	stopReason := finishReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	content := protocol.InternalToAnthropicMessages([]protocol.InternalMessage{msg})[0].Content

	var inputTokens, outputTokens int64
	if usage != nil {
		inputTokens, outputTokens = usage.InputTokens, usage.OutputTokens
	}

	resp := map[string]any{
		"id": id, "type": "message", "role": "assistant", "model": model,
		"content": content, "stop_reason": stopReason, "stop_sequence": nil,
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// MessagesHandler implements POST /v1/messages and POST
// /antigravity/v1/messages (spec.md §6 lists both paths against the same
// handler; the antigravity-prefixed path exists only to let IDEs that
// hardcode a base URL segment reach the same ingress).
func (a *App) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		client := clientdetect.Detect(r.Header.Get("User-Agent"), r.Header.Get("X-Forwarded-User-Agent"))
		system, msgs := protocol.AnthropicRequestToInternal(&req)

		scid, msgs := a.resolveConversation(r.Context(), r.Header.Get(conversationHeader), string(client.Type), msgs)
		if scid != "" {
			w.Header().Set(conversationHeader, scid)
		}

		thinkingEnabled := req.Thinking != nil && req.Thinking.Type == "enabled"

		in := pipelineInput{
			Model: req.Model, System: system, Messages: msgs, Tools: req.Tools,
			ThinkingEnabled: thinkingEnabled, MaxTokens: req.MaxTokens, Stream: req.Stream,
			Client: client, SCID: scid, ResponseID: newMessageID(),
		}
		a.runPipeline(r.Context(), w, anthropicBuilder{}, in)
	}
}
