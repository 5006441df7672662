// Package sse incrementally reassembles Server-Sent-Event streams for
// observation while the raw bytes are relayed elsewhere untouched.
package sse

import (
	"strconv"
	"strings"
	"sync"
)

// Event is one fully parsed Server-Sent Event.
type Event struct {
	// Type is the value of the last "event:" field, "message" if absent.
	Type string
	// Data is the contents of all "data:" lines joined with "\n".
	Data string
	// ID is the value of the "id:" field, if present.
	ID string
	// Retry is the parsed "retry:" field in milliseconds, 0 if absent.
	Retry int
}

// Hook receives each decoded event together with the request id it was
// observed on. Inspection only: the hook never sees or alters the bytes
// actually relayed to the client.
type Hook func(reqID int64, ev Event)

// Decoder reassembles chunked event-stream text into discrete events, one
// accumulator per request id. Events are separated by a blank line; the
// not-yet-terminated tail of each stream is carried forward, never
// discarded. The decoder is shared across connections, so the accumulator
// map is guarded; each entry is only ever fed by its own connection.
type Decoder struct {
	hook Hook

	mu    sync.Mutex
	tails map[int64]string
}

func NewDecoder(hook Hook) *Decoder {
	return &Decoder{hook: hook, tails: make(map[int64]string)}
}

// Feed appends chunk to the accumulator for reqID and dispatches every
// event completed by it, in order.
func (d *Decoder) Feed(reqID int64, chunk string) {
	d.mu.Lock()
	parts := strings.Split(d.tails[reqID]+chunk, "\n\n")
	d.tails[reqID] = parts[len(parts)-1]
	d.mu.Unlock()

	for _, raw := range parts[:len(parts)-1] {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if d.hook != nil {
			d.hook(reqID, parseEvent(raw))
		}
	}
}

// Pending reports how many streams currently have an accumulator.
func (d *Decoder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tails)
}

// End drops the accumulator for reqID. Must be called when the response
// completes or errors; a leftover entry would leak for the life of the
// process.
func (d *Decoder) End(reqID int64) {
	d.mu.Lock()
	delete(d.tails, reqID)
	d.mu.Unlock()
}

func parseEvent(raw string) Event {
	ev := Event{Type: "message"}
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = ms
			}
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}
