// Package gateway implements the gateway middleware (C10): HTTP ingress for
// the Anthropic Messages and OpenAI chat-completions protocols, wiring
// client detection (C4), conversation state (C3), sanitization (C5),
// protocol conversion (C6), routing/fallback (C8), backend dispatch (C9)
// and the streaming engine (C7) into one request pipeline. Grounded on the
// teacher's app-struct-plus-closures handler pattern
// (internal/agentd/handlers_chat.go).
package gateway

import (
	"net/http"

	"github.com/google/uuid"

	"llmrelay/internal/backend"
	"llmrelay/internal/config"
	"llmrelay/internal/convstate"
	"llmrelay/internal/router"
	"llmrelay/internal/sigcache"
)

// App holds every dependency a handler needs. One instance is built in
// cmd/gateway/main.go and its methods are registered onto a *http.ServeMux
// by NewMux.
type App struct {
	cfg        config.Config
	registry   *backend.Registry
	routes     *router.Store
	suspension *router.Suspension
	sigcache   *sigcache.Cache
	convstate  *convstate.Store
	httpClient *http.Client
	stats      *Stats
}

func NewApp(cfg config.Config, registry *backend.Registry, routes *router.Store, suspension *router.Suspension, sc *sigcache.Cache, cs *convstate.Store, httpClient *http.Client) *App {
	return &App{
		cfg: cfg, registry: registry, routes: routes, suspension: suspension,
		sigcache: sc, convstate: cs, httpClient: httpClient, stats: newStats(),
	}
}

// conversationHeader is recognized in both directions per spec.md §6.
const conversationHeader = "X-AG-Conversation-Id"

func newMessageID() string { return "msg_" + uuid.NewString() }
func newChunkID() string   { return "chatcmpl_" + uuid.NewString() }
