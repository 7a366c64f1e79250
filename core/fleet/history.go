package fleet

import "github.com/kilianp07/fleetstream/core/model"

// history is a fixed size ring of accepted events.
type history struct {
	buf  []model.TelemetryEvent
	next int
	full bool
}

func newHistory(size int) *history {
	return &history{buf: make([]model.TelemetryEvent, size)}
}

func (h *history) push(ev model.TelemetryEvent) {
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.next] = ev
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// slice returns a fresh copy, oldest first.
func (h *history) slice() []model.TelemetryEvent {
	if !h.full {
		return append([]model.TelemetryEvent(nil), h.buf[:h.next]...)
	}
	out := make([]model.TelemetryEvent, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
