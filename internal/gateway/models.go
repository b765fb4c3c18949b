package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
)

// modelEntry mirrors the minimal OpenAI/Anthropic-compatible `model` list
// shape both ingress protocols' CLIs/IDEs parse (spec.md §6's GET
// /v1/models).
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelsHandler implements GET /v1/models: every requested-model key of the
// routing table that still has at least one chain entry after disabled
// backends are filtered out (Table.Models), sorted by name.
func (a *App) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ids := a.routes.Table().Models()
		sort.Strings(ids)

		entries := make([]modelEntry, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, modelEntry{ID: id, Object: "model", OwnedBy: "llmrelay"})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
	}
}
