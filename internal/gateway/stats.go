package gateway

import (
	"sync"
	"sync/atomic"
)

// backendCounters is one backend's C13 counters.
type backendCounters struct {
	Requests  int64
	Errors    int64
	Fallbacks int64
}

// tokenCounters accumulates usage blocks per requested model.
type tokenCounters struct {
	InputTokens  int64
	OutputTokens int64
}

// Stats is the in-process C13 counter set: no external dependency, just
// atomics scraped on demand by GET /internal/stats (spec.md §4.13's "local
// counter surface, not a billing ledger").
type Stats struct {
	mu       sync.Mutex
	backends map[string]*backendCounters
	tokens   map[string]*tokenCounters
}

func newStats() *Stats {
	return &Stats{backends: map[string]*backendCounters{}, tokens: map[string]*tokenCounters{}}
}

func (s *Stats) backendCounter(id string) *backendCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.backends[id]; ok {
		return c
	}
	c := &backendCounters{}
	s.backends[id] = c
	return c
}

func (s *Stats) tokenCounter(model string) *tokenCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.tokens[model]; ok {
		return c
	}
	c := &tokenCounters{}
	s.tokens[model] = c
	return c
}

func (s *Stats) RecordRequest(backendID string) {
	atomic.AddInt64(&s.backendCounter(backendID).Requests, 1)
}

func (s *Stats) RecordError(backendID string) {
	atomic.AddInt64(&s.backendCounter(backendID).Errors, 1)
}

func (s *Stats) RecordFallback(backendID string) {
	atomic.AddInt64(&s.backendCounter(backendID).Fallbacks, 1)
}

func (s *Stats) RecordUsage(model string, inputTokens, outputTokens int64) {
	c := s.tokenCounter(model)
	atomic.AddInt64(&c.InputTokens, inputTokens)
	atomic.AddInt64(&c.OutputTokens, outputTokens)
}

// BackendSnapshot is one backend's counters as reported by GET /internal/stats.
type BackendSnapshot struct {
	Backend   string `json:"backend"`
	Requests  int64  `json:"requests"`
	Errors    int64  `json:"errors"`
	Fallbacks int64  `json:"fallbacks"`
}

// ModelSnapshot is one model's accumulated token usage.
type ModelSnapshot struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (s *Stats) Snapshot() ([]BackendSnapshot, []ModelSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backends := make([]BackendSnapshot, 0, len(s.backends))
	for id, c := range s.backends {
		backends = append(backends, BackendSnapshot{
			Backend: id, Requests: atomic.LoadInt64(&c.Requests),
			Errors: atomic.LoadInt64(&c.Errors), Fallbacks: atomic.LoadInt64(&c.Fallbacks),
		})
	}
	models := make([]ModelSnapshot, 0, len(s.tokens))
	for model, c := range s.tokens {
		models = append(models, ModelSnapshot{
			Model: model, InputTokens: atomic.LoadInt64(&c.InputTokens),
			OutputTokens: atomic.LoadInt64(&c.OutputTokens),
		})
	}
	return backends, models
}
