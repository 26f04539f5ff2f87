package planner

import (
	"sort"
	"strings"
	"sync"
)

// defaultEntities covers a handful of well-known names. entities.yaml
// entries are layered on top.
var defaultEntities = map[string]string{
	"apple":     "AAPL",
	"microsoft": "MSFT",
	"alphabet":  "GOOGL",
	"google":    "GOOGL",
	"amazon":    "AMZN",
	"nvidia":    "NVDA",
	"tesla":     "TSLA",
	"netflix":   "NFLX",
}

// EntityTable maps lowercase names to identifiers. Safe for concurrent use;
// Replace swaps the whole table atomically.
type EntityTable struct {
	mu      sync.RWMutex
	names   []string // longest first, so "meta platforms" beats "meta"
	entries map[string]string
}

// NewEntityTable returns a table holding the defaults.
func NewEntityTable() *EntityTable {
	t := &EntityTable{}
	t.Replace(nil)
	return t
}

// Replace installs defaults overlaid with overrides.
func (t *EntityTable) Replace(overrides map[string]string) {
	entries := make(map[string]string, len(defaultEntities)+len(overrides))
	for k, v := range defaultEntities {
		entries[k] = v
	}
	for k, v := range overrides {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && v != "" {
			entries[k] = strings.ToUpper(v)
		}
	}
	names := make([]string, 0, len(entries))
	for k := range entries {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	t.mu.Lock()
	t.entries = entries
	t.names = names
	t.mu.Unlock()
}

// Lookup finds the first known name contained in prompt, case-insensitively.
func (t *EntityTable) Lookup(prompt string) (string, bool) {
	lower := strings.ToLower(prompt)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range t.names {
		if strings.Contains(lower, name) {
			return t.entries[name], true
		}
	}
	return "", false
}

// Len returns the number of entries.
func (t *EntityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
