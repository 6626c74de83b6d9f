package bus

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// MessageBus carries normalized messages from protocols to the gateway and
// outbound intents back. It also owns the shared state store and the set of
// handles that belong to this relay.
type MessageBus struct {
	inbound  chan Message
	outbound chan Outbound
	state    StateStore
	lastID   atomic.Int64

	handles map[string]struct{}

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(state StateStore) *MessageBus {
	return &MessageBus{
		inbound:          make(chan Message, defaultBufferSize),
		outbound:         make(chan Outbound, defaultBufferSize),
		state:            state,
		handles:          make(map[string]struct{}),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// State returns the keyed store protocols persist their cursors in.
func (mb *MessageBus) State() StateStore {
	return mb.state
}

// Post queues one inbound message, assigning internal ids to it and its reply.
func (mb *MessageBus) Post(ctx context.Context, msg Message) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.assignIDs(&msg)

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) assignIDs(msg *Message) {
	for m := msg; m != nil; m = m.Reply {
		if m.ID == 0 {
			m.ID = mb.lastID.Add(1)
		}
	}
}

func (mb *MessageBus) Consume(ctx context.Context) (Message, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Message{}, false
	case <-mb.done:
		return Message{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

// Respond queues an outbound intent for the protocol named in it.
func (mb *MessageBus) Respond(ctx context.Context, out Outbound) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- out:
		return true
	}
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (Outbound, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Outbound{}, false
	case <-mb.done:
		return Outbound{}, false
	case out := <-mb.outbound:
		return out, true
	}
}

// AddHandle registers a handle owned by this relay so commands addressed to it
// are recognized and its own messages are not relayed back.
func (mb *MessageBus) AddHandle(handle string) {
	key := normalizeHandle(handle)
	if key == "" {
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handles[key] = struct{}{}
}

func (mb *MessageBus) HasHandle(handle string) bool {
	key := normalizeHandle(handle)
	if key == "" {
		return false
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	_, ok := mb.handles[key]
	return ok
}

// Handles returns the registered handles in sorted order.
func (mb *MessageBus) Handles() []string {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	handles := make([]string, 0, len(mb.handles))
	for handle := range mb.handles {
		handles = append(handles, handle)
	}
	slices.Sort(handles)

	return handles
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
