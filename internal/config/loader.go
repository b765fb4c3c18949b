package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from the environment (optionally via .env).
// Mirrors the teacher's env-var-first approach: no config framework, just
// explicit os.Getenv reads with documented defaults.
func Load() (Config, error) {
	// Overload so a local .env deterministically wins over an inherited
	// environment during development; fall back to example.env if .env is
	// absent so a fresh checkout still boots.
	if err := godotenv.Overload(); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg := Config{
		ListenAddr:       firstNonEmpty(os.Getenv("LISTEN_ADDR"), ":8085"),
		RoutingTablePath: firstNonEmpty(os.Getenv("ROUTING_TABLE_PATH"), "routes.yaml"),
		Cache: CacheConfig{
			Shards:         envInt("CACHE_SHARDS", 16),
			SweepInterval:  envDuration("CACHE_SWEEP_INTERVAL", 60*time.Second),
			WriteQueueSize: envInt("CACHE_WRITE_QUEUE_SIZE", 1024),
			SqlitePath:     firstNonEmpty(os.Getenv("CACHE_SQLITE_PATH"), "gateway_cache.db"),
			TTLByClient: map[string]time.Duration{
				"cursor":   envDuration("CACHE_TTL_CURSOR", 2*time.Hour),
				"windsurf": envDuration("CACHE_TTL_WINDSURF", 2*time.Hour),
				"default":  envDuration("CACHE_TTL_DEFAULT", time.Hour),
			},
		},
		Signature: SignatureCacheConfig{
			TimeWindowFallback: envBool("SIG_CACHE_ALLOW_TIME_WINDOW_FALLBACK", false),
			TimeWindow:         envDuration("SIG_CACHE_TIME_WINDOW", 300*time.Second),
		},
		Sanitizer: SanitizerConfig{
			ShowDegradedThinking: envBool("SANITIZER_SHOW_DEGRADED_THINKING", false),
		},
		Conversation: ConversationConfig{
			DefaultTTL: envDuration("SCID_TTL_DEFAULT", time.Hour),
			IDETTL:     envDuration("SCID_TTL_IDE", 2*time.Hour),
			SqlitePath: firstNonEmpty(os.Getenv("SCID_SQLITE_PATH"), "gateway_conversations.db"),
			GCInterval: envDuration("SCID_GC_INTERVAL", 5*time.Minute),
		},
		Obs: ObsConfig{
			OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:   firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "llmrelay-gateway"),
			LogPayloads:   envBool("LOG_PAYLOADS", false),
			LogLevel:      firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
			LogPath:       os.Getenv("LOG_PATH"),
			TruncateBytes: envInt("LOG_TRUNCATE_BYTES", 2048),
		},
		RequestDeadline:       envDuration("REQUEST_DEADLINE", 120*time.Second),
		StreamIdleTimeout:     envDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
		StreamChannelCapacity: envInt("STREAM_CHANNEL_CAPACITY", 64),
	}

	cfg.Backends = map[string]BackendConfig{
		"antigravity": loadBackend("ANTIGRAVITY", "gemini", "gemini-2.5-flash-thinking"),
		"copilot":     loadBackend("COPILOT", "other", "gpt-4o"),
		"kiro":        loadBackend("KIRO", "claude", "claude-sonnet-4-5-20250929"),
	}

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: LISTEN_ADDR must not be empty")
	}
	return cfg, nil
}

func loadBackend(prefix, family, defaultModel string) BackendConfig {
	return BackendConfig{
		ID:           strings.ToLower(prefix),
		Enabled:      envBool(prefix+"_ENABLED", os.Getenv(prefix+"_BASE_URL") != ""),
		BaseURL:      strings.TrimSuffix(os.Getenv(prefix+"_BASE_URL"), "/"),
		APIKey:       os.Getenv(prefix + "_API_KEY"),
		Family:       family,
		DefaultModel: firstNonEmpty(os.Getenv(prefix+"_DEFAULT_MODEL"), defaultModel),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
