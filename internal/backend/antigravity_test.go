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

// TestAntigravityStreamClassifiesRateLimitStatus exercises classifyGenaiErr
// end to end against Gemini's 429 RetryInfo shape: the stream must surface a
// KindQuotaExhausted *gwerr.Error with RetryAfter populated from the body's
// retryDelay, not an opaque transport error.
func TestAntigravityStreamClassifiesRateLimitStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"1.500s"}]}}`))
	}))
	t.Cleanup(srv.Close)

	a, err := NewAntigravity(context.Background(), srv.URL, "k", "gemini-2.0-flash", srv.Client())
	require.NoError(t, err)

	stream, gerr := a.Stream(context.Background(), StreamRequest{
		Messages: []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
	})
	require.Nil(t, gerr)
	defer stream.Close()

	_, nerr := stream.Next(context.Background())
	require.Error(t, nerr)
	var ge *gwerr.Error
	require.True(t, errors.As(nerr, &ge), "expected a classified *gwerr.Error, got %T", nerr)
	assert.Equal(t, gwerr.KindQuotaExhausted, ge.Kind)
	assert.NotNil(t, ge.RetryAfter)
}

func TestAntigravitySupportsGeminiAndClaudeModels(t *testing.T) {
	a, err := NewAntigravity(context.Background(), "http://x", "k", "gemini-2.0-flash", http.DefaultClient)
	require.NoError(t, err)
	assert.True(t, a.Supports("gemini-2.0-flash"))
	assert.True(t, a.Supports("gemini-2.0-flash-thinking"))
	assert.True(t, a.Supports("claude-sonnet-4-5"))
	assert.False(t, a.Supports("gpt-4o"))
}
