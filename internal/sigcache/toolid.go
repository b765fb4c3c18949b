package sigcache

import (
	"regexp"
	"strings"
)

// decorationDelim smuggles a signature inside a tool_use id for clients
// that drop unknown JSON fields (spec.md glossary: "decoration").
const decorationDelim = "__thought__"

// Decorate encodes sig into a tool id. Never applied for client types that
// rewrite ids (spec.md §3 ToolCall invariant); callers gate on
// ClientInfo.EncodeSignatureIntoToolID before calling this.
func Decorate(baseID, sig string) string {
	if sig == "" {
		return baseID
	}
	return baseID + decorationDelim + sig
}

// Decode splits a possibly-decorated tool id back into (baseID, signature,
// ok). ok is false when the id carries no decoration.
func Decode(id string) (base string, signature string, ok bool) {
	idx := strings.Index(id, decorationDelim)
	if idx < 0 {
		return id, "", false
	}
	return id[:idx], id[idx+len(decorationDelim):], true
}

var (
	suffixRe = regexp.MustCompile(`(_\d+|_retry\d+|_copy\d+)$`)
	prefixes = []string{"call_", "req_"}
)

// fuzzyBase strips common client-applied suffixes and prefixes from a tool
// id so cache lookups survive clients that mutate ids across retries
// (spec.md §4.2, tool cache "fuzzy lookup").
func fuzzyBase(id string) string {
	b := id
	for {
		stripped := suffixRe.ReplaceAllString(b, "")
		if stripped == b {
			break
		}
		b = stripped
	}
	for _, p := range prefixes {
		b = strings.TrimPrefix(b, p)
	}
	return b
}
