package sigcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"llmrelay/internal/cache"
)

// Cache is the C2 signature cache: three tables layered atop cache.Store
// (C1), plus the fuzzy tool-id index and the six-layer recovery engine.
type Cache struct {
	thinking *cache.Store
	tools    *cache.Store
	session  *cache.Store

	mu        sync.Mutex
	toolIndex map[string][]string // fuzzy base -> tool ids sharing that base, most-recent last

	// sessionGroup collapses concurrent GetSession lookups that share the
	// same fingerprint set (a burst of parallel requests against the same
	// conversation, or a fallback chain retrying the same turn) into a
	// single cache.Store.Get per fingerprint instead of one per caller.
	sessionGroup singleflight.Group

	timeWindowFallback bool
	timeWindow         time.Duration
}

// New wires the three tables onto already-constructed cache.Store
// instances (one per table, each with its own L2 sqlite table per
// spec.md §6's signature_cache/tool_cache/session_cache schema).
func New(thinking, tools, session *cache.Store, allowTimeWindowFallback bool, timeWindow time.Duration) *Cache {
	return &Cache{
		thinking:           thinking,
		tools:              tools,
		session:            session,
		toolIndex:          make(map[string][]string),
		timeWindowFallback: allowTimeWindowFallback,
		timeWindow:         timeWindow,
	}
}

// PutThinking caches signature for the exact (normalized) thinking text.
func (c *Cache) PutThinking(ctx context.Context, text, signature string, family Family) {
	key := ThinkingHash(text)
	c.thinking.Put(ctx, &cache.Entry{
		Key: key, Value: signature, Text: NormalizeThinking(text), ModelFamily: string(family),
	})
}

// GetThinking looks up a signature by exact normalized text, honoring
// family purity (P4): an entry tagged for a different family never
// satisfies `want`.
func (c *Cache) GetThinking(ctx context.Context, text string, want Family) (signature string, ok bool) {
	e, found := c.thinking.Get(ctx, ThinkingHash(text))
	if !found || !compatible(Family(e.ModelFamily), want) {
		return "", false
	}
	if e.Text != NormalizeThinking(text) {
		return "", false
	}
	return e.Value, true
}

// PutTool caches signature under the full toolID and indexes it by its
// fuzzy base for fuzzy lookup.
func (c *Cache) PutTool(ctx context.Context, toolID, signature string, family Family) {
	c.tools.Put(ctx, &cache.Entry{Key: toolID, Value: signature, ModelFamily: string(family)})

	base := fuzzyBase(toolID)
	c.mu.Lock()
	c.toolIndex[base] = append(c.toolIndex[base], toolID)
	c.mu.Unlock()
}

// GetTool looks up by exact toolID, falling back to a fuzzy scan over ids
// sharing the same stripped base, returning the most recently cached match
// (spec.md §4.2).
func (c *Cache) GetTool(ctx context.Context, toolID string, want Family) (signature string, ok bool) {
	if e, found := c.tools.Get(ctx, toolID); found && compatible(Family(e.ModelFamily), want) {
		return e.Value, true
	}

	base := fuzzyBase(toolID)
	c.mu.Lock()
	candidates := append([]string(nil), c.toolIndex[base]...)
	c.mu.Unlock()

	var best *cache.Entry
	for _, id := range candidates {
		e, found := c.tools.Get(ctx, id)
		if !found || !compatible(Family(e.ModelFamily), want) {
			continue
		}
		if best == nil || e.LastAccess.After(best.LastAccess) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.Value, true
}

// PutSession caches (signature, text) under a conversation fingerprint.
func (c *Cache) PutSession(ctx context.Context, fingerprint, signature, text string, family Family) {
	c.session.Put(ctx, &cache.Entry{Key: fingerprint, Value: signature, Text: text, ModelFamily: string(family)})
}

// GetSession tries fingerprints in order (first_user -> last_n -> full per
// spec.md §4.2's "multi-level lookup") and returns the first family-
// compatible hit along with its cached text.
func (c *Cache) GetSession(ctx context.Context, fingerprints []string, want Family) (signature, text string, ok bool) {
	key := string(want) + "|" + strings.Join(fingerprints, ",")
	v, _, _ := c.sessionGroup.Do(key, func() (any, error) {
		for _, fp := range fingerprints {
			if fp == "" {
				continue
			}
			e, found := c.session.Get(ctx, fp)
			if !found || !compatible(Family(e.ModelFamily), want) {
				continue
			}
			return sessionHit{signature: e.Value, text: e.Text, ok: true}, nil
		}
		return sessionHit{}, nil
	})
	hit := v.(sessionHit)
	return hit.signature, hit.text, hit.ok
}

type sessionHit struct {
	signature string
	text      string
	ok        bool
}

// AnyRecentSignature implements six-layer recovery's layer 6: any
// signature cached within the configured time window, regardless of which
// table or conversation produced it. Off by default (spec.md §9 open
// question). The flag and the window are set once in New and apply to
// every client type alike; there is no per-client-type setting.
func (c *Cache) AnyRecentSignature(ctx context.Context, want Family) (signature string, ok bool) {
	if !c.timeWindowFallback {
		return "", false
	}
	cutoff := time.Now().Add(-c.timeWindow)

	// A full scan across shards is the only way to answer "any entry in the
	// last W seconds" without a secondary time index; acceptable because
	// this layer is opt-in and last-resort only.
	var newest *cache.Entry
	for _, store := range []*cache.Store{c.thinking, c.session, c.tools} {
		for _, e := range store.RecentEntries(cutoff) {
			if !compatible(Family(e.ModelFamily), want) {
				continue
			}
			if newest == nil || e.LastAccess.After(newest.LastAccess) {
				newest = e
			}
		}
	}
	if newest == nil {
		return "", false
	}
	return newest.Value, true
}
