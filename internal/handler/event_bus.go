// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"daq-bridge/internal/model"
)

// EventBus fans service events out to subscribers. Publish never blocks.
type EventBus struct {
	subscribers map[int]*subscriber
	nextID      int
	events      chan model.Event
	done        chan struct{}
	closeOnce   sync.Once
	mutex       sync.RWMutex
	logger      *zap.Logger
}

type subscriber struct {
	ch    chan model.Event
	types map[model.EventType]bool
}

func (s *subscriber) wants(t model.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]*subscriber),
		events:      make(chan model.Event, 1000),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start distributes events until Close is called
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.done:
			return
		}
	}
}

// Close stops distribution and closes every subscriber channel
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for id, sub := range eb.subscribers {
			close(sub.ch)
			delete(eb.subscribers, id)
		}
	})
}

// Publish queues an event; a full queue drops it
func (eb *EventBus) Publish(event model.Event) {
	select {
	case <-eb.done:
		return
	default:
	}

	select {
	case eb.events <- event:
	default:
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

// Subscribe returns a channel receiving events of the given types, or all events when none are given.
// The returned function cancels the subscription.
func (eb *EventBus) Subscribe(eventTypes ...model.EventType) (<-chan model.Event, func()) {
	sub := &subscriber{ch: make(chan model.Event, 100)}
	if len(eventTypes) > 0 {
		sub.types = make(map[model.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	select {
	case <-eb.done:
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}

	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = sub

	return sub.ch, func() {
		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		if _, ok := eb.subscribers[id]; ok {
			delete(eb.subscribers, id)
			close(sub.ch)
		}
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, sub := range eb.subscribers {
		if !sub.wants(event.EventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
