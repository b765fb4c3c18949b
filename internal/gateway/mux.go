package gateway

import "net/http"

// NewMux wires every handler onto a single *http.ServeMux, grounded on the
// teacher's one-function-builds-the-mux style (cmd/agentd/main.go).
func NewMux(a *App) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.HealthzHandler())
	mux.HandleFunc("/readyz", a.ReadyzHandler())

	mux.HandleFunc("/v1/models", a.ModelsHandler())
	mux.HandleFunc("/v1/messages", a.MessagesHandler())
	mux.HandleFunc("/antigravity/v1/messages", a.MessagesHandler())
	mux.HandleFunc("/v1/chat/completions", a.ChatCompletionsHandler())

	mux.HandleFunc("/internal/warmup", a.WarmupHandler())
	mux.HandleFunc("/internal/stats", a.StatsHandler())

	return mux
}
