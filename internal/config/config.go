// Package config loads gateway configuration from the environment.
package config

import "time"

// BackendConfig describes one upstream LLM backend.
type BackendConfig struct {
	ID      string
	Enabled bool
	BaseURL string
	APIKey  string
	// Family is the provider lineage used for signature cross-family
	// filtering: "claude", "gemini", or "other".
	Family string
	// DefaultModel is the upstream model id an adapter falls back to when
	// the routing table's chain entry doesn't itself pin one.
	DefaultModel string
}

// CacheConfig controls the two-tier cache layer (C1).
type CacheConfig struct {
	Shards         int
	SweepInterval  time.Duration
	WriteQueueSize int
	SqlitePath     string
	// TTLByClient maps client_type to its cache TTL; "default" is the
	// fallback for unlisted client types.
	TTLByClient map[string]time.Duration
}

// SignatureCacheConfig controls C2's recovery behavior.
type SignatureCacheConfig struct {
	// TimeWindowFallback enables six-layer recovery layer 6 ("any recent
	// signature"). Off by default per spec.md's open question.
	TimeWindowFallback bool
	TimeWindow         time.Duration
}

// SanitizerConfig controls C5 behavior.
type SanitizerConfig struct {
	// ShowDegradedThinking controls whether degraded thinking text sent
	// upstream is wrapped in <think> markers (off by default). Degraded text
	// is never written to the client-facing stream, whatever this is set to.
	ShowDegradedThinking bool
}

// ConversationConfig controls C3's SCID store.
type ConversationConfig struct {
	DefaultTTL time.Duration
	IDETTL     time.Duration
	SqlitePath string
	GCInterval time.Duration
}

// ObsConfig controls tracing/metrics (C12).
type ObsConfig struct {
	OTLPEndpoint   string
	ServiceName    string
	LogPayloads    bool
	LogLevel       string
	LogPath        string
	TruncateBytes  int
}

// Config is the fully resolved gateway configuration.
type Config struct {
	ListenAddr string

	Backends map[string]BackendConfig
	// RoutingTablePath points at the YAML file mapping
	// requested-model -> backend_chain (spec.md §6).
	RoutingTablePath string

	Cache        CacheConfig
	Signature    SignatureCacheConfig
	Sanitizer    SanitizerConfig
	Conversation ConversationConfig
	Obs          ObsConfig

	// RequestDeadline bounds time-to-first-byte (spec.md §5).
	RequestDeadline time.Duration
	// StreamIdleTimeout bounds the gap between successive upstream chunks.
	StreamIdleTimeout time.Duration
	// StreamChannelCapacity bounds the SSE translator channel (spec.md §9).
	StreamChannelCapacity int
}
