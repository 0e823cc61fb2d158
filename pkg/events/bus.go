package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modbus-edge-gateway/pkg/logger"
)

// Event type names as delivered to WebSocket clients and the MQTT bridge
const (
	TypeTelemetry         = "telemetry_update"
	TypeDeviceOnline      = "device_online"
	TypeDeviceOffline     = "device_offline"
	TypeNewAlert          = "new_alert"
	TypeAlertAcknowledged = "alert_acknowledged"
	TypeDiscoveryProgress = "discovery_progress"
	TypeDiscoveryComplete = "discovery_complete"
	TypeError             = "error"
)

// DefaultQueueSize bounds each subscriber queue
const DefaultQueueSize = 256

// Event is one fan-out message
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Subscriber is one bounded consumer queue. Slow subscribers lose the
// oldest events rather than blocking the publisher.
type Subscriber struct {
	id      string
	ch      chan Event
	dropped uint64
}

// ID returns the subscriber identifier
func (s *Subscriber) ID() string {
	return s.id
}

// Events returns the receive channel
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscriber) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Bus fans events out to all subscribers, at most once each
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
}

// NewBus creates an event bus with the given per-subscriber queue size
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a new bounded subscriber
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	logger.LogDebug("Event subscriber %s registered", s.id)
	return s
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
	logger.LogDebug("Event subscriber %s removed (%d events dropped)", s.id, s.Dropped())
}

// Publish delivers an event to every subscriber without blocking.
// A full queue drops its oldest entry to make room.
func (b *Bus) Publish(eventType string, payload interface{}) {
	e := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- e:
			continue
		default:
		}

		// Queue full: evict the oldest event, then retry once
		select {
		case <-s.ch:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
		select {
		case s.ch <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
