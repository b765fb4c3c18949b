package observability

import (
	"encoding/json"
)

// sensitiveKeys are stripped before a payload is logged, regardless of
// nesting depth. "signature" is included because a leaked thinking
// signature is as sensitive as a credential: it lets a holder replay
// another conversation's thinking block upstream.
var sensitiveKeys = map[string]bool{
	"signature":          true,
	"authorization":      true,
	"api_key":            true,
	"apikey":             true,
	"x-api-key":          true,
	"thoughtsignature":   true,
}

// Redact returns a copy of v with sensitive fields replaced by "[redacted]".
// Used before any prompt/response is written to the log.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeys[lower(k)] {
				out[k] = "[redacted]"
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// RedactJSON redacts a raw JSON payload for logging; on parse failure it
// returns a fixed placeholder rather than risking a leak.
func RedactJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "[unparseable payload]"
	}
	b, err := json.Marshal(Redact(v))
	if err != nil {
		return "[redaction failed]"
	}
	return string(b)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
