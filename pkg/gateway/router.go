package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
)

// EventPublisher is the part of the bus deliveries are reported to.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// router owns one route per protocol and serializes deliveries per route so
// relayed messages reach each platform in the order they were seen.
type router struct {
	events EventPublisher
	log    *slog.Logger

	mu     sync.RWMutex
	routes map[string]*route
	order  []string
}

// route is the delivery state tracked for one protocol.
type route struct {
	protocol channel.Protocol
	sendMu   sync.Mutex
}

var errUnknownProtocol = errors.New("unknown protocol")

// newRouter builds a router over protocols; names must be unique.
func newRouter(protocols []channel.Protocol, events EventPublisher, log *slog.Logger) (*router, error) {
	if log == nil {
		log = slog.Default()
	}

	r := &router{
		events: events,
		log:    log.With("component", "gateway.router"),
		routes: make(map[string]*route, len(protocols)),
	}
	for _, p := range protocols {
		name := p.Name()
		if _, ok := r.routes[name]; ok {
			return nil, fmt.Errorf("duplicate protocol %q", name)
		}
		r.routes[name] = &route{protocol: p}
		r.order = append(r.order, name)
	}

	return r, nil
}

// Relay forwards msg to every protocol except the one it came from.
func (r *router) Relay(ctx context.Context, msg bus.Message) {
	for _, name := range r.names() {
		if name == msg.Protocol {
			continue
		}

		rt, _ := r.route(name)
		rt.sendMu.Lock()
		sent, err := rt.protocol.Forward(ctx, &msg, msg.Protocol)
		rt.sendMu.Unlock()

		r.report(ctx, name, "forward", sent, err)
	}
}

// Deliver executes one outbound intent on its target protocol.
func (r *router) Deliver(ctx context.Context, out bus.Outbound) (*bus.Message, error) {
	rt, ok := r.route(out.Protocol)
	if !ok {
		err := fmt.Errorf("deliver to %q: %w", out.Protocol, errUnknownProtocol)
		r.report(ctx, out.Protocol, "send", nil, err)
		return nil, err
	}

	origin := ""
	if out.Response.Reply != nil {
		origin = out.Response.Reply.Protocol
	}

	rt.sendMu.Lock()
	sent, err := rt.protocol.Send(ctx, out.Response, origin, out.Forwarded)
	rt.sendMu.Unlock()

	r.report(ctx, out.Protocol, "send", sent, err)
	return sent, err
}

func (r *router) report(ctx context.Context, protocol, op string, sent *bus.Message, err error) {
	if err != nil {
		r.log.Error("Delivery failed", "protocol", protocol, "op", op, "error", err)
		r.publish(ctx, bus.Event{Type: bus.EventSendFailed, Protocol: protocol, Error: err.Error(), Payload: map[string]string{"op": op}})
		return
	}
	if sent == nil {
		return
	}

	event := bus.Event{Type: bus.EventMessageSent, Protocol: protocol, Payload: map[string]string{"op": op}}
	if sent.Chat != nil {
		event.ChatPID = sent.Chat.PID
	}
	r.publish(ctx, event)
}

func (r *router) publish(ctx context.Context, event bus.Event) {
	if r.events != nil {
		r.events.PublishEvent(ctx, event)
	}
}

func (r *router) route(name string) (*route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[strings.TrimSpace(name)]
	return rt, ok
}

func (r *router) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Close closes every protocol and joins their errors.
func (r *router) Close() error {
	var errs []error
	for _, name := range r.names() {
		rt, _ := r.route(name)
		if err := rt.protocol.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
