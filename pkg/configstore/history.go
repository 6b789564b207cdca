package configstore

import (
	"fmt"
	"time"

	"github.com/psaab/flowpipe/pkg/config"
)

// HistoryEntry is a previously committed configuration.
type HistoryEntry struct {
	Config    *config.ConfigTree
	Timestamp time.Time
}

// History holds committed configurations, oldest first, bounded to
// maxSize entries.
type History struct {
	entries []*HistoryEntry
	maxSize int
}

func NewHistory(maxSize int) *History {
	return &History{maxSize: maxSize}
}

// Push appends entry, dropping the oldest when full.
func (h *History) Push(entry *HistoryEntry) {
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxSize {
		h.entries = h.entries[len(h.entries)-h.maxSize:]
	}
}

// Get returns the nth most recent entry (0 = most recent).
func (h *History) Get(n int) (*HistoryEntry, error) {
	if n < 0 || n >= len(h.entries) {
		return nil, fmt.Errorf("rollback %d: no such configuration (have %d)", n+1, len(h.entries))
	}
	return h.entries[len(h.entries)-1-n], nil
}

func (h *History) Len() int     { return len(h.entries) }
func (h *History) MaxSize() int { return h.maxSize }

// List returns the entries, most recent first.
func (h *History) List() []*HistoryEntry {
	out := make([]*HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		out[len(h.entries)-1-i] = e
	}
	return out
}
