// Package bus is the in-process event fabric: publishers push events onto a
// topic, subscribers receive them on a channel. Delivery per subscriber is
// ordered; a slow subscriber loses events rather than stalling the publisher.
package bus

import (
	"sync"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan types.Event
	buffer int
	closed bool
}

// New creates a bus with the given per-subscriber buffer. Non-positive
// buffers fall back to DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string][]chan types.Event),
		buffer: buffer,
	}
}

// Subscribe returns a channel that receives every event published to the
// topic from this point on. The channel is closed when the bus closes.
func (b *Bus) Subscribe(topic string) <-chan types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers the event to every subscriber of its topic. Subscribers
// whose buffers are full are skipped; an automation brain must keep up with
// the house, not the other way around.
func (b *Bus) Publish(evt types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.EventType] {
		select {
		case ch <- evt:
		default:
			logging.Get(logging.CategoryBus).Warn("Dropping %s event for slow subscriber (device %s)",
				evt.EventType, evt.DeviceID)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publish and
// Subscribe become no-ops afterward.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
