// Package logging holds the completion event buffer and the syslog
// forwarding handler of the daemon.
package logging

import (
	"strings"
	"sync"
	"time"

	"github.com/psaab/flowpipe/pkg/flow"
)

// EventRecord is one entry completion as seen by the daemon.
type EventRecord struct {
	Seq    uint64
	Time   time.Time
	Port   uint16
	Queue  uint16
	Entry  uint64
	Pipe   string
	Op     string // "add", "del", "upd", "aged"
	Status string // "success", "error"
	Err    string
}

// RecordFromCompletion converts a flow completion.
func RecordFromCompletion(port uint16, pipe string, c flow.Completion, now time.Time) EventRecord {
	rec := EventRecord{
		Time:   now,
		Port:   port,
		Queue:  c.Queue,
		Entry:  uint64(c.Entry),
		Pipe:   pipe,
		Op:     c.Op.String(),
		Status: c.Status.String(),
	}
	if c.Err != nil {
		rec.Err = c.Err.Error()
	}
	return rec
}

// EventBuffer is a thread-safe circular buffer of recent completions.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
	drops uint64
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open for pending readers.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates an event buffer holding size records.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest when full, and stamps its
// sequence number. Slow subscribers miss events instead of blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.Lock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
			eb.drops++
		}
	}
	eb.subMu.Unlock()
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Seq returns the sequence number of the newest event.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Dropped returns how many deliveries slow subscribers missed.
func (eb *EventBuffer) Dropped() uint64 {
	eb.subMu.RLock()
	defer eb.subMu.RUnlock()
	return eb.drops
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	Pipe   string // exact pipe name
	Op     string // case-insensitive
	Status string // case-insensitive
}

func (f EventFilter) IsEmpty() bool {
	return f.Pipe == "" && f.Op == "" && f.Status == ""
}

// Matches reports whether rec passes the filter.
func (f EventFilter) Matches(rec EventRecord) bool {
	return f.matches(&rec)
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Pipe != "" && rec.Pipe != f.Pipe {
		return false
	}
	if f.Op != "" && !strings.EqualFold(rec.Op, f.Op) {
		return false
	}
	if f.Status != "" && !strings.EqualFold(rec.Status, f.Status) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching f, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
