package internal

// HistoryBuffer keeps the most recent chat events, dropping the oldest once
// capacity is reached. Like the registry it belongs to the Hub goroutine.
type HistoryBuffer struct {
	events   []ChatEvent
	capacity int
}

func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &HistoryBuffer{events: make([]ChatEvent, 0, capacity), capacity: capacity}
}

func (h *HistoryBuffer) Append(event ChatEvent) {
	h.events = append(h.events, event)
	if over := len(h.events) - h.capacity; over > 0 {
		copy(h.events, h.events[over:])
		h.events = h.events[:h.capacity]
	}
}

// Tail returns a copy of the last n events in chronological order.
func (h *HistoryBuffer) Tail(n int) []ChatEvent {
	if n <= 0 {
		return []ChatEvent{}
	}
	if n > len(h.events) {
		n = len(h.events)
	}
	out := make([]ChatEvent, n)
	copy(out, h.events[len(h.events)-n:])
	return out
}

func (h *HistoryBuffer) Len() int {
	return len(h.events)
}

func (h *HistoryBuffer) Cap() int {
	return h.capacity
}
