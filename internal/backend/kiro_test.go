package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
)

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload map[string]any) {
	if _, ok := payload["type"]; !ok {
		payload["type"] = eventType
	}
	b, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", b)
	if flusher != nil {
		flusher.Flush()
	}
}

func TestKiroStreamEmitsTextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		writeSSEEvent(w, flusher, "message_start", map[string]any{"message": map[string]any{
			"id": "msg", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		}})
		writeSSEEvent(w, flusher, "content_block_start", map[string]any{
			"index": 0, "content_block": map[string]any{"type": "text", "text": ""},
		})
		writeSSEEvent(w, flusher, "content_block_delta", map[string]any{
			"index": 0, "delta": map[string]any{"type": "text_delta", "text": "hello"},
		})
		writeSSEEvent(w, flusher, "content_block_delta", map[string]any{
			"index": 0, "delta": map[string]any{"type": "text_delta", "text": " world"},
		})
		writeSSEEvent(w, flusher, "message_delta", map[string]any{
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]any{"output_tokens": 2},
		})
	}))
	t.Cleanup(srv.Close)

	k := NewKiro(srv.URL, "k", "claude-sonnet-4-5", srv.Client())
	stream, gerr := k.Stream(context.Background(), StreamRequest{
		Messages: []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
	})
	require.Nil(t, gerr)
	defer stream.Close()

	var text string
	var sawFinish bool
	for {
		ev, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		text += ev.Text
		if ev.FinishReason != "" {
			sawFinish = true
		}
	}
	assert.Equal(t, "hello world", text)
	assert.True(t, sawFinish)
}

func TestKiroStreamCapturesThinkingSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		writeSSEEvent(w, flusher, "message_start", map[string]any{"message": map[string]any{
			"id": "msg", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		}})
		writeSSEEvent(w, flusher, "content_block_start", map[string]any{
			"index": 0, "content_block": map[string]any{"type": "thinking", "thinking": ""},
		})
		writeSSEEvent(w, flusher, "content_block_delta", map[string]any{
			"index": 0, "delta": map[string]any{"type": "thinking_delta", "thinking": "reasoning..."},
		})
		writeSSEEvent(w, flusher, "content_block_delta", map[string]any{
			"index": 0, "delta": map[string]any{"type": "signature_delta", "signature": "sig-abc"},
		})
		writeSSEEvent(w, flusher, "message_delta", map[string]any{
			"delta": map[string]any{"stop_reason": "end_turn"},
			"usage": map[string]any{"output_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)

	k := NewKiro(srv.URL, "k", "claude-sonnet-4-5", srv.Client())
	stream, gerr := k.Stream(context.Background(), StreamRequest{
		ThinkingEnabled: true,
		Messages:        []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
	})
	require.Nil(t, gerr)
	defer stream.Close()

	var gotSig string
	for {
		ev, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if ev.ThoughtSignature != "" {
			gotSig = ev.ThoughtSignature
		}
	}
	assert.Equal(t, "sig-abc", gotSig)
}

// TestKiroStreamClassifiesRateLimitStatus exercises classifyAnthropicErr
// end to end: a 429 opening the stream must surface from Next as a
// KindQuotaExhausted *gwerr.Error, not an opaque transport error.
func TestKiroStreamClassifiesRateLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"rate limited"}}`))
	}))
	t.Cleanup(srv.Close)

	k := NewKiro(srv.URL, "k", "claude-sonnet-4-5", srv.Client())
	stream, gerr := k.Stream(context.Background(), StreamRequest{
		Messages: []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
	})
	require.Nil(t, gerr)
	defer stream.Close()

	_, err := stream.Next(context.Background())
	require.Error(t, err)
	var ge *gwerr.Error
	require.True(t, errors.As(err, &ge), "expected a classified *gwerr.Error, got %T", err)
	assert.Equal(t, gwerr.KindQuotaExhausted, ge.Kind)
}

func TestKiroSupportsClaudeModelsOnly(t *testing.T) {
	k := NewKiro("http://x", "k", "claude-sonnet-4-5", http.DefaultClient)
	assert.True(t, k.Supports("claude-sonnet-4-5"))
	assert.False(t, k.Supports("gemini-2.0-flash"))
}
