// Package router implements the routing & fallback engine (C8): a
// configuration-driven model -> backend_chain table, chain construction,
// and HTTP-error classification driving the fallback decision.
package router

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainEntry is one (backend_id, target_model) pair in a route's chain.
type ChainEntry struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
}

// BackendRouteConfig is the routes.yaml `backends` section for one backend.
type BackendRouteConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Family  string `yaml:"family"`
}

type routesFile struct {
	Routes   map[string][]ChainEntry        `yaml:"routes"`
	Backends map[string]BackendRouteConfig  `yaml:"backends"`
}

// Table is an immutable routing-table snapshot. Reloading swaps the
// pointer under Store's write lock; readers never block (spec.md §5
// "Shared-resource policy" for config tables).
type Table struct {
	routes   map[string][]ChainEntry
	backends map[string]BackendRouteConfig
}

// Load parses a routes.yaml file at path into a Table.
func Load(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read %s: %w", path, err)
	}
	var rf routesFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("router: parse %s: %w", path, err)
	}
	return &Table{routes: rf.Routes, backends: rf.Backends}, nil
}

// ChainFor returns the configured chain for model, filtering out entries
// whose backend is disabled in the table's backends section. Entries whose
// adapter does not support their target model are left for Dispatch to
// skip through its SupportsFn, since
// model support is owned by the backend adapter (C9), not the table.
func (t *Table) ChainFor(model string) []ChainEntry {
	chain := t.routes[model]
	out := make([]ChainEntry, 0, len(chain))
	for _, e := range chain {
		if bc, ok := t.backends[e.Backend]; ok && !bc.Enabled {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Models returns every model key with at least one enabled-backend chain
// entry, for C14's GET /v1/models.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.routes))
	for model := range t.routes {
		if len(t.ChainFor(model)) > 0 {
			out = append(out, model)
		}
	}
	return out
}

// Store holds a swappable *Table under a RWMutex, per spec.md §5's
// "immutable snapshot; updates swap the pointer under a write lock".
type Store struct {
	mu    sync.RWMutex
	table *Table
}

func NewStore(initial *Table) *Store { return &Store{table: initial} }

func (s *Store) Table() *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

func (s *Store) Swap(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

// Suspension tracks per-backend temporary unavailability after a 429
// with a retry-after interval (spec.md §4.6 rule 4).
type Suspension struct {
	mu      sync.Mutex
	until   map[string]time.Time
}

func NewSuspension() *Suspension { return &Suspension{until: make(map[string]time.Time)} }

// Suspend marks backendID unavailable until now+d.
func (s *Suspension) Suspend(backendID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[backendID] = time.Now().Add(d)
}

// IsSuspended reports whether backendID is currently within its
// suspension window.
func (s *Suspension) IsSuspended(backendID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.until[backendID]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}
