package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"llmrelay/internal/gwerr"
	"llmrelay/internal/observability"
	"llmrelay/internal/sanitize"
	"llmrelay/internal/sigcache"
)

// sanitizeFailOpen runs sanitize.Sanitize and recovers any panic inside it,
// forwarding the original unsanitized messages unchanged on failure
// (spec.md §4.10 / §7: "InternalBug inside middleware: fail-open, pass
// original request through").
func sanitizeFailOpen(ctx context.Context, sc *sigcache.Cache, req sanitize.Request) (result sanitize.Result) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerWithTrace(ctx).Error().Interface("panic", r).Msg("gateway: sanitizer panicked, forwarding unsanitized")
			result = sanitize.Result{Messages: req.Messages, ThinkingEnabled: req.ThinkingEnabled}
		}
	}()
	return sanitize.Sanitize(ctx, sc, req)
}

// gatewayErrorBody is the JSON shape returned to the client on a
// terminating error (spec.md §7: "emit a structured error response").
type gatewayErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeGatewayError(w http.ResponseWriter, err *gwerr.Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := gatewayErrorBody{}
	body.Error.Type = string(err.Kind)
	body.Error.Message = err.Message
	_ = json.NewEncoder(w).Encode(body)
}
