// Package events fans out what the session, router, and chat turns
// are doing to whoever is listening: the CLI's listen command and the
// MQTT relay. A nil *Bus accepts and discards everything.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceSession = "session"
	SourceRouter  = "router"
	SourceChat    = "chat"
)

// Kinds, with the Data keys each one carries.
const (
	KindStateChange = "state_change" // from, to, attempt, retry_in_ms, error

	KindStatus        = "status"         // queue_remaining, sid
	KindExecuting     = "executing"      // node, prompt_id
	KindChatMessage   = "chat_message"   // text, is_user, has_image
	KindImageAck      = "image_ack"      // success
	KindConfigUpdated = "config_updated" // success, selected_model, datasets, error
	KindModeChanged   = "mode_changed"   // mode
	KindMedia         = "media"          // code, mime, bytes
	KindUnrecognized  = "unrecognized"   // name

	KindTurnStart    = "turn_start"    // turn, mode, text_len
	KindTurnDelta    = "turn_delta"    // turn, answer_len, reasoning_len
	KindTurnComplete = "turn_complete" // turn, answer, reasoning, error, elapsed_ms
)

// Event is one observation from a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// keyed by the receive side handed to the subscriber
	subs map[<-chan Event]chan Event

	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Dropped counts deliveries skipped for full subscribers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribe registers a subscriber with a buffer of size n. Pair it
// with Unsubscribe.
func (b *Bus) Subscribe(n int) <-chan Event {
	ch := make(chan Event, n)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}
