package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
	"llmrelay/internal/sigcache"
)

const simpleRoutes = `
routes:
  claude-sonnet-4-5:
    - backend: kiro
      model: claude-sonnet-4-5-20250929
backends:
  kiro: {enabled: true, base_url: "https://kiro.example", family: claude}
`

const fallbackRoutes = `
routes:
  claude-sonnet-4-5:
    - backend: antigravity
      model: claude-sonnet-4-5-20250929
    - backend: kiro
      model: claude-sonnet-4-5-20250929
backends:
  antigravity: {enabled: true, base_url: "https://ag.example", family: gemini}
  kiro: {enabled: true, base_url: "https://kiro.example", family: claude}
`

func postJSON(t *testing.T, url string, body map[string]any, headers map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// S1: a client-submitted thinking block with no signature, thinking
// enabled, must arrive upstream with the thinking block degraded and the
// thinking config stripped.
func TestScenarioS1DegradeOnUnverifiable(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("hello")}}}
	app := testApp(t, simpleRoutes, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 100,
		"stream":     false,
		"thinking":   map[string]any{"type": "enabled"},
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "thinking", "thinking": "let me think", "signature": ""},
				map[string]any{"type": "text", "text": "hello"},
			}},
			map[string]any{"role": "user", "content": "again"},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, kiro.lastRequests, 1)
	sent := kiro.lastRequests[0]
	require.False(t, sent.ThinkingEnabled, "thinking config must be stripped once no thought block survives")

	assistant := sent.Messages[1]
	for _, p := range assistant.Parts {
		require.False(t, p.Thought, "thinking block must have been degraded to plain text")
	}
}

// S2: an exact cache hit for the thinking text must let the block survive
// with its recovered signature, and the thinking config must stay enabled.
func TestScenarioS2CacheHitPreservesThinking(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("hello")}}}
	app := testApp(t, simpleRoutes, kiro)
	app.sigcache.PutThinking(context.Background(), "let me think", "sigABC", sigcache.FamilyClaude)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 100,
		"stream":     false,
		"thinking":   map[string]any{"type": "enabled"},
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "thinking", "thinking": "let me think", "signature": ""},
				map[string]any{"type": "text", "text": "hello"},
			}},
			map[string]any{"role": "user", "content": "again"},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, kiro.lastRequests, 1)
	sent := kiro.lastRequests[0]
	require.True(t, sent.ThinkingEnabled)

	assistant := sent.Messages[1]
	var sawThought bool
	for _, p := range assistant.Parts {
		if p.Thought {
			sawThought = true
			require.Equal(t, "sigABC", p.ThoughtSignature)
		}
	}
	require.True(t, sawThought)
}

// S3: an orphaned tool_result (no matching tool_use in the immediately
// preceding assistant turn) must be dropped before reaching upstream.
func TestScenarioS3OrphanToolResultDropped(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("ok")}}}
	app := testApp(t, simpleRoutes, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 100,
		"stream":     false,
		"messages": []any{
			map[string]any{"role": "user", "content": "run tool"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "ok"},
			}},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "T1", "content": "42"},
			}},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, kiro.lastRequests, 1)
	sent := kiro.lastRequests[0]
	require.Len(t, sent.Messages, 2, "the orphaned tool_result turn must be dropped entirely")
}

// S4: a 429 from the first chain entry must fall back to the next entry
// with the same sanitized body, and suspend the failing backend.
func TestScenarioS4FallbackOn429(t *testing.T) {
	antigravity := &fakeAdapter{id: "antigravity", responses: []fakeResponse{
		{err: retryAfterError(1500 * time.Millisecond)},
	}}
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("from kiro")}}}
	app := testApp(t, fallbackRoutes, antigravity, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model": "claude-sonnet-4-5", "max_tokens": 100, "stream": false,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, antigravity.lastRequests, 1)
	require.Len(t, kiro.lastRequests, 1)
	require.True(t, app.suspension.IsSuspended("antigravity"))
}

// S5: a non-streaming request is served by internally issuing the upstream
// call as a stream and reassembling a single JSON body with concatenated
// content and preserved usage.
func TestScenarioS5AutoStreamConversion(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("hello world")}}}
	app := testApp(t, simpleRoutes, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model": "claude-sonnet-4-5", "max_tokens": 100, "stream": false,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, "message", decoded["type"])
	usage := decoded["usage"].(map[string]any)
	require.EqualValues(t, 10, usage["input_tokens"])
	require.EqualValues(t, 5, usage["output_tokens"])
}

// S6: a known SCID's server-stored history trumps the client's replayed
// (and in this case mutated) copy; only the client's genuinely new turn is
// accepted.
func TestScenarioS6SCIDAuthoritativeHistory(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{
		{events: textEvents("B")},
		{events: textEvents("D")},
	}}
	app := testApp(t, simpleRoutes, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	first := map[string]any{
		"model": "claude-sonnet-4-5", "max_tokens": 100, "stream": false,
		"messages": []any{map[string]any{"role": "user", "content": "A"}},
	}
	resp1 := postJSON(t, srv.URL+"/v1/messages", first, nil)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	scid := resp1.Header.Get("X-AG-Conversation-Id")
	require.NotEmpty(t, scid)

	second := map[string]any{
		"model": "claude-sonnet-4-5", "max_tokens": 100, "stream": false,
		"messages": []any{
			map[string]any{"role": "user", "content": "A"},
			map[string]any{"role": "assistant", "content": "B'"}, // client-mutated
			map[string]any{"role": "user", "content": "C"},
		},
	}
	resp2 := postJSON(t, srv.URL+"/v1/messages", second, map[string]string{"X-AG-Conversation-Id": scid})
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	require.Len(t, kiro.lastRequests, 2)
	sent := kiro.lastRequests[1]
	require.Len(t, sent.Messages, 3)
	require.Equal(t, "A", flattenPartsText(sent.Messages[0]))
	require.Equal(t, "B", flattenPartsText(sent.Messages[1]), "server's own stored assistant turn must win over the client's mutated replay")
	require.Equal(t, "C", flattenPartsText(sent.Messages[2]))
}

// TestInvalidSignatureRejectedRetriesWithThinkingDisabled exercises spec.md
// §7's InvalidSignatureRejected recovery: the first attempt is rejected by
// the upstream for a signature it considers invalid, so the gateway
// re-sanitizes with thinking forcibly disabled and retries once on the
// same backend rather than propagating or falling back.
func TestInvalidSignatureRejectedRetriesWithThinkingDisabled(t *testing.T) {
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{
		{err: gwerr.New(gwerr.KindInvalidSignatureRejected, http.StatusBadRequest, "upstream rejected thinking signature", nil)},
		{events: textEvents("recovered")},
	}}
	app := testApp(t, simpleRoutes, kiro)
	app.sigcache.PutThinking(context.Background(), "let me think", "sigABC", sigcache.FamilyClaude)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 100,
		"stream":     false,
		"thinking":   map[string]any{"type": "enabled"},
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "thinking", "thinking": "let me think", "signature": ""},
				map[string]any{"type": "text", "text": "hello"},
			}},
			map[string]any{"role": "user", "content": "again"},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, kiro.lastRequests, 2, "a retryable rejection must retry once on the same backend")
	assert.True(t, kiro.lastRequests[0].ThinkingEnabled, "first attempt recovers the cached signature and keeps thinking on")
	assert.False(t, kiro.lastRequests[1].ThinkingEnabled, "retry after InvalidSignatureRejected must force thinking off")
}

// TestUpstream4xxPropagatesImmediately exercises spec.md §4.6 rule 3 /
// §7: a genuine client-shaped upstream rejection (400, not a signature
// complaint) must propagate immediately rather than advancing the chain.
func TestUpstream4xxPropagatesImmediately(t *testing.T) {
	antigravity := &fakeAdapter{id: "antigravity", responses: []fakeResponse{
		{err: gwerr.New(gwerr.KindClientRequestInvalid, http.StatusBadRequest, "malformed request", nil)},
	}}
	kiro := &fakeAdapter{id: "kiro", responses: []fakeResponse{{events: textEvents("unused")}}}
	app := testApp(t, fallbackRoutes, antigravity, kiro)
	srv := httptest.NewServer(NewMux(app))
	defer srv.Close()

	body := map[string]any{
		"model": "claude-sonnet-4-5", "max_tokens": 100, "stream": false,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Len(t, antigravity.lastRequests, 1)
	require.Empty(t, kiro.lastRequests, "a fatal 4xx must not advance the fallback chain")
}

func flattenPartsText(m protocol.InternalMessage) string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

func retryAfterError(d time.Duration) *gwerr.Error {
	ge := gwerr.New(gwerr.KindQuotaExhausted, http.StatusTooManyRequests, "rate limited", nil)
	secs := gwerr.DurationSeconds(d.Seconds())
	ge.RetryAfter = &secs
	return ge
}
