// Package sigcache implements the signature cache (C2): three tables
// layered over the generic cache.Store from package cache, plus the
// six-layer recovery engine described in spec.md §4.2.
package sigcache

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var wrapperRe = regexp.MustCompile(`(?is)^\s*<(think|reasoning)>(.*)</(think|reasoning)>\s*$`)

// NormalizeThinking strips a surrounding <think>...</think> or
// <reasoning>...</reasoning> wrapper (case-insensitive), collapses CRLF to
// LF, and trims whitespace. The same function is used on the cache write
// path (C7, signature extraction) and the cache read path (C2's
// thinking-hash lookup, reported as recovery layer 4) so normalization
// never diverges between the two.
func NormalizeThinking(text string) string {
	t := strings.ReplaceAll(text, "\r\n", "\n")
	if m := wrapperRe.FindStringSubmatch(t); m != nil {
		t = m[2]
	}
	return strings.TrimSpace(t)
}

// ThinkingHash returns the MD5 prefix used as the thinking-hash cache key,
// per spec.md §4.2 ("keyed by MD5 prefix of normalized thinking text").
func ThinkingHash(text string) string {
	sum := md5.Sum([]byte(NormalizeThinking(text)))
	return hex.EncodeToString(sum[:])[:16]
}
