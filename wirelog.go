package mcpuse

import (
	"encoding/json"
	"sync"
	"time"
)

// WireDirection labels a wire-log entry.
type WireDirection string

// Wire-log entry directions.
const (
	WireSend    WireDirection = "send"
	WireReceive WireDirection = "receive"
	// WireError marks a record that failed to decode; Err holds the cause.
	WireError WireDirection = "error"
)

// WireEntry is one recorded wire event.
type WireEntry struct {
	Time      time.Time
	Direction WireDirection
	// Server is the registry name of the originating session, when known.
	Server  string
	Payload json.RawMessage
	Err     error
}

// WireSink receives wire traffic from connectors and sessions. Implementations
// must be safe for concurrent use. Sinks are injected at construction time; the
// package keeps no global traffic state.
type WireSink interface {
	Record(entry WireEntry)
}

// WireLog is the default WireSink: a bounded ring buffer of the most recent
// entries. The zero value is not usable; create one with NewWireLog.
type WireLog struct {
	mu      sync.Mutex
	entries []WireEntry
	next    int
	full    bool
}

// NewWireLog creates a ring buffer retaining at most capacity entries.
func NewWireLog(capacity int) *WireLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &WireLog{entries: make([]WireEntry, capacity)}
}

// Record stores an entry, evicting the oldest when full.
func (l *WireLog) Record(entry WireEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = entry
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns a snapshot of retained entries, oldest first.
func (l *WireLog) Entries() []WireEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]WireEntry(nil), l.entries[:l.next]...)
	}

	out := make([]WireEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// nopSink discards everything; used when no sink is configured.
type nopSink struct{}

func (nopSink) Record(WireEntry) {}
