// Command gateway runs the LLM relay gateway: HTTP ingress for the
// Anthropic Messages and OpenAI chat-completions protocols, dispatching to
// the antigravity, copilot, and kiro backends with thinking-signature
// recovery and multi-backend fallback.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"llmrelay/internal/backend"
	"llmrelay/internal/cache"
	"llmrelay/internal/config"
	"llmrelay/internal/convstate"
	"llmrelay/internal/gateway"
	"llmrelay/internal/observability"
	"llmrelay/internal/router"
	"llmrelay/internal/sigcache"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	shutdown, err := observability.InitOTel(context.Background(), cfg.Obs.OTLPEndpoint, cfg.Obs.ServiceName)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	httpClient := observability.NewHTTPClient(nil)

	routeTable, err := router.Load(cfg.RoutingTablePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RoutingTablePath).Msg("failed to load routing table")
	}
	routeStore := router.NewStore(routeTable)
	suspension := router.NewSuspension()

	sigCache, err := buildSignatureCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build signature cache")
	}

	convStore, err := convstate.New(cfg.Conversation.SqlitePath, cfg.Conversation.DefaultTTL, cfg.Conversation.IDETTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open conversation state store")
	}
	go runConvstateGC(convStore, cfg.Conversation.GCInterval)

	registry, err := buildRegistry(cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build backend registry")
	}

	app := gateway.NewApp(cfg, registry, routeStore, suspension, sigCache, convStore, httpClient)
	mux := gateway.NewMux(app)

	log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// buildSignatureCache wires C1's three cache.Store tables (thinking-hash,
// tool-id, session-fingerprint), each with its own sqlite L2 table, into
// C2's Cache.
func buildSignatureCache(cfg config.Config) (*sigcache.Cache, error) {
	thinkingL2, err := cache.NewSqliteL2(cfg.Cache.SqlitePath, "signature_cache")
	if err != nil {
		return nil, err
	}
	toolsL2, err := cache.NewSqliteL2(cfg.Cache.SqlitePath, "tool_cache")
	if err != nil {
		return nil, err
	}
	sessionL2, err := cache.NewSqliteL2(cfg.Cache.SqlitePath, "session_cache")
	if err != nil {
		return nil, err
	}

	defaultTTL := cfg.Cache.TTLByClient["default"]
	thinking := cache.New(cfg.Cache.Shards, defaultTTL, thinkingL2, cfg.Cache.WriteQueueSize, cfg.Cache.SweepInterval)
	tools := cache.New(cfg.Cache.Shards, defaultTTL, toolsL2, cfg.Cache.WriteQueueSize, cfg.Cache.SweepInterval)
	session := cache.New(cfg.Cache.Shards, defaultTTL, sessionL2, cfg.Cache.WriteQueueSize, cfg.Cache.SweepInterval)

	return sigcache.New(thinking, tools, session, cfg.Signature.TimeWindowFallback, cfg.Signature.TimeWindow), nil
}

// buildRegistry constructs one adapter per configured-and-enabled backend.
func buildRegistry(cfg config.Config, httpClient *http.Client) (*backend.Registry, error) {
	var adapters []backend.Adapter

	if bc := cfg.Backends["antigravity"]; bc.Enabled {
		ag, err := backend.NewAntigravity(context.Background(), bc.BaseURL, bc.APIKey, bc.DefaultModel, httpClient)
		if err != nil {
			return nil, fmt.Errorf("antigravity: %w", err)
		}
		adapters = append(adapters, ag)
	}
	if bc := cfg.Backends["copilot"]; bc.Enabled {
		adapters = append(adapters, backend.NewCopilot(bc.BaseURL, bc.APIKey, bc.DefaultModel, httpClient))
	}
	if bc := cfg.Backends["kiro"]; bc.Enabled {
		adapters = append(adapters, backend.NewKiro(bc.BaseURL, bc.APIKey, bc.DefaultModel, httpClient))
	}

	return backend.NewRegistry(adapters...), nil
}

// runConvstateGC periodically reclaims expired SCID records; best-effort,
// logged but never fatal.
func runConvstateGC(store *convstate.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		n, err := store.GC(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("convstate GC failed")
			continue
		}
		if n > 0 {
			log.Debug().Int("removed", n).Msg("convstate GC reclaimed expired conversations")
		}
	}
}
