package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventMessageSent     EventType = "message_sent"
	EventSendFailed      EventType = "send_failed"
	EventPollSucceeded   EventType = "poll_succeeded"
	EventPollFailed      EventType = "poll_failed"
)

// Event is a lifecycle notification published by protocols and the gateway.
type Event struct {
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Protocol string            `json:"protocol,omitempty"`
	ChatPID  int64             `json:"chat_pid,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends never block, so the read lock is held across them; unsubscribe
	// and Close close channels under the write lock.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
