package channel

import (
	"context"

	"tgrelay/pkg/bus"
)

// Protocol bridges one chat platform into the relay bus. The gateway drives
// every protocol through this capability set without knowing the platform.
type Protocol interface {
	Name() string
	// Start consumes platform events and posts them to the bus until the
	// context is canceled or Close is called.
	Start(ctx context.Context) error
	// Send delivers a bus response. protocol names the platform the request
	// came from; forwarded is the copy of the request relayed onto this
	// platform, if any. A nil message with a nil error means nothing was sent.
	Send(ctx context.Context, resp bus.Response, protocol string, forwarded *bus.Message) (*bus.Message, error)
	// Forward relays a message seen on protocol into this platform's bridged chat.
	Forward(ctx context.Context, msg *bus.Message, protocol string) (*bus.Message, error)
	// Status reports presence, e.g. a typing indicator, in dest.
	Status(ctx context.Context, dest *bus.User, action string) error
	Close() error
}
