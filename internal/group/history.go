package group

import (
	"time"

	"github.com/eapache/queue"

	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
)

// DefaultHistorySize is the history capacity used when none is configured.
const DefaultHistorySize = 10

// Entry records one successful dispatch.
type Entry struct {
	At       time.Time         `json:"at"`
	PlayerID int               `json:"playerId"`
	Handler  string            `json:"handler"`
	Message  protocol.Envelope `json:"message"`
}

// History is a fixed-capacity FIFO log; the oldest entry is evicted on
// overflow. It is not safe for concurrent use.
type History struct {
	capacity int
	entries  *queue.Queue
}

// NewHistory creates an empty log holding at most capacity entries.
// A non-positive capacity uses DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, entries: queue.New()}
}

// Append records e, evicting the oldest entry when full.
//
// Postcondition: Len() <= Capacity(); e is the newest entry.
func (h *History) Append(e Entry) {
	for h.entries.Length() >= h.capacity {
		h.entries.Remove()
	}
	h.entries.Add(e)
}

// Entries returns the retained entries oldest first.
func (h *History) Entries() []Entry {
	out := make([]Entry, 0, h.entries.Length())
	for i := 0; i < h.entries.Length(); i++ {
		out = append(out, h.entries.Get(i).(Entry))
	}
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return h.entries.Length()
}

// Capacity returns the maximum number of retained entries.
func (h *History) Capacity() int {
	return h.capacity
}
