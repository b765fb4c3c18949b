package gateway

import (
	"strings"

	"llmrelay/internal/protocol"
	"llmrelay/internal/sigcache"
)

const sessionLastN = 4

// sessionFingerprints builds the three fingerprint derivations spec.md
// §4.2 layer 4 tries in order: first user message, last-N messages
// concatenated, full conversation digest.
func sessionFingerprints(msgs []protocol.InternalMessage) []string {
	if len(msgs) == 0 {
		return nil
	}

	var firstUser string
	for _, m := range msgs {
		if m.Role == "user" {
			firstUser = flattenText(m)
			break
		}
	}

	lastN := msgs
	if len(lastN) > sessionLastN {
		lastN = lastN[len(lastN)-sessionLastN:]
	}

	var full, last strings.Builder
	for _, m := range msgs {
		full.WriteString(flattenText(m))
	}
	for _, m := range lastN {
		last.WriteString(flattenText(m))
	}

	out := make([]string, 0, 3)
	if firstUser != "" {
		out = append(out, sigcache.Fingerprint(firstUser))
	}
	if last.Len() > 0 {
		out = append(out, sigcache.Fingerprint(last.String()))
	}
	if full.Len() > 0 {
		out = append(out, sigcache.Fingerprint(full.String()))
	}
	return out
}

// flattenText concatenates every text-bearing part of a message, used only
// to build a stable fingerprint input, never shown to a client.
func flattenText(m protocol.InternalMessage) string {
	var b strings.Builder
	b.WriteString(m.Role)
	for _, p := range m.Parts {
		b.WriteString(p.Text)
		if p.FunctionCall != nil {
			b.WriteString(p.FunctionCall.Name)
		}
	}
	return b.String()
}
