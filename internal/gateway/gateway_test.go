package gateway

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmrelay/internal/backend"
	"llmrelay/internal/cache"
	"llmrelay/internal/config"
	"llmrelay/internal/convstate"
	"llmrelay/internal/gwerr"
	"llmrelay/internal/router"
	"llmrelay/internal/sigcache"
)

// sliceEventStream replays a fixed slice of backend.Event, then io.EOF, or
// an injected terminal error instead of EOF.
type sliceEventStream struct {
	events []backend.Event
	pos    int
	endErr error
}

func (s *sliceEventStream) Next(ctx context.Context) (backend.Event, error) {
	if s.pos >= len(s.events) {
		if s.endErr != nil {
			return backend.Event{}, s.endErr
		}
		return backend.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceEventStream) Close() error { return nil }

// fakeAdapter is a scripted backend.Adapter: each call to Stream pops the
// next scripted response (either an EventStream or a *gwerr.Error) and
// records the request it received.
type fakeAdapter struct {
	id           string
	modelAllowed func(model string) bool
	responses    []fakeResponse
	calls        int
	lastRequests []backend.StreamRequest
}

type fakeResponse struct {
	events []backend.Event
	err    *gwerr.Error
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Supports(model string) bool {
	if a.modelAllowed == nil {
		return true
	}
	return a.modelAllowed(model)
}

func (a *fakeAdapter) Stream(ctx context.Context, req backend.StreamRequest) (backend.EventStream, *gwerr.Error) {
	a.lastRequests = append(a.lastRequests, req)
	idx := a.calls
	a.calls++
	if idx >= len(a.responses) {
		return nil, gwerr.New(gwerr.KindInternalBug, 500, "fakeAdapter: no scripted response", nil)
	}
	resp := a.responses[idx]
	if resp.err != nil {
		return nil, resp.err
	}
	return &sliceEventStream{events: resp.events}, nil
}

func (a *fakeAdapter) Health(ctx context.Context) error { return nil }

// textEvents builds a minimal scripted response: one text delta plus a
// final Done/FinishReason event, the shape every adapter emits for a plain
// text turn.
func textEvents(text string) []backend.Event {
	return []backend.Event{
		{Text: text},
		{FinishReason: "end_turn", Usage: &backend.Usage{InputTokens: 10, OutputTokens: 5}, Done: true},
	}
}

func thinkingThenTextEvents(thinking, signature, text string) []backend.Event {
	return []backend.Event{
		{Text: thinking, Thought: true, ThoughtSignature: signature},
		{Text: text},
		{FinishReason: "end_turn", Usage: &backend.Usage{InputTokens: 10, OutputTokens: 5}, Done: true},
	}
}

// testApp builds a fully wired App with an in-memory-ish sqlite conv store
// (backed by a temp file, since the sqlite driver needs real storage) and a
// routing table loaded from a literal routes.yaml written to a temp dir.
func testApp(t *testing.T, routesYAML string, adapters ...backend.Adapter) *App {
	t.Helper()
	dir := t.TempDir()

	routesPath := filepath.Join(dir, "routes.yaml")
	writeFile(t, routesPath, routesYAML)

	table, err := router.Load(routesPath)
	require.NoError(t, err)
	store := router.NewStore(table)
	suspension := router.NewSuspension()

	sc := sigcache.New(
		cache.New(2, time.Hour, nil, 16, 0),
		cache.New(2, time.Hour, nil, 16, 0),
		cache.New(2, time.Hour, nil, 16, 0),
		false, 300*time.Second,
	)

	cs, err := convstate.New(filepath.Join(dir, "conv.db"), time.Hour, 2*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	registry := backend.NewRegistry(adapters...)

	cfg := config.Config{
		Backends: map[string]config.BackendConfig{
			"antigravity": {ID: "antigravity", Family: "gemini", Enabled: true},
			"copilot":     {ID: "copilot", Family: "other", Enabled: true},
			"kiro":        {ID: "kiro", Family: "claude", Enabled: true},
		},
		Sanitizer:             config.SanitizerConfig{ShowDegradedThinking: false},
		StreamChannelCapacity: 8,
		StreamIdleTimeout:     2 * time.Second,
	}

	return NewApp(cfg, registry, store, suspension, sc, cs, nil)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
