package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
)

// TestCopilotStreamClassifiesRateLimitStatus exercises classifyOpenAIErr end
// to end: a 429 opening the stream must surface from Next as a
// KindQuotaExhausted *gwerr.Error, not an opaque transport error.
func TestCopilotStreamClassifiesRateLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"rate limited"}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewCopilot(srv.URL, "k", "gpt-4o", srv.Client())
	stream, gerr := c.Stream(context.Background(), StreamRequest{
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

func TestCopilotStreamClassifiesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_api_key","message":"bad key"}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewCopilot(srv.URL, "k", "gpt-4o", srv.Client())
	stream, gerr := c.Stream(context.Background(), StreamRequest{
		Messages: []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
	})
	require.Nil(t, gerr)
	defer stream.Close()

	_, err := stream.Next(context.Background())
	require.Error(t, err)
	var ge *gwerr.Error
	require.True(t, errors.As(err, &ge), "expected a classified *gwerr.Error, got %T", err)
	assert.Equal(t, gwerr.KindUnauthenticatedUpstream, ge.Kind)
	assert.False(t, ge.Fallbackable(), "an unauthenticated upstream must propagate immediately, not fall back")
}

func TestCopilotSupportsNonGeminiModels(t *testing.T) {
	c := NewCopilot("http://x", "k", "gpt-4o", http.DefaultClient)
	assert.True(t, c.Supports("gpt-4o"))
	assert.True(t, c.Supports("claude-sonnet-4-5"))
	assert.False(t, c.Supports("gemini-2.0-flash"))
}
