package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/config"
	"tgrelay/pkg/paste"
)

const messagePreviewLimit = 240

var _ channel.Protocol = (*Adapter)(nil)

// Bus is what the adapter needs from the relay bus.
type Bus interface {
	Sink
	State() bus.StateStore
	AddHandle(handle string)
}

// Adapter bridges the Telegram Bot API into the relay bus.
type Adapter struct {
	client     *Client
	mapper     *Mapper
	poller     *Poller
	dispatcher *Dispatcher
	dest       *destination
	bus        Bus
	log        *slog.Logger

	mu       sync.RWMutex
	identity bus.User
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg *config.Config, mb Bus, paster paste.Paster, log *slog.Logger, opts ...ClientOption) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if mb == nil {
		return nil, errors.New("bus is required")
	}

	tg := cfg.Telegram
	token := strings.TrimSpace(tg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}
	botID, err := botIDFromToken(token)
	if err != nil {
		return nil, err
	}
	if tg.GroupID == 0 {
		return nil, errors.New("telegram.group_id is required")
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.telegram")

	clientOpts := []ClientOption{
		WithRate(tg.Rate),
		WithAttempts(tg.Attempts),
		WithAPIBase(tg.APIBase),
		WithLogger(log),
	}
	client, err := NewClient(token, append(clientOpts, opts...)...)
	if err != nil {
		return nil, err
	}

	dest := &destination{user: bus.User{
		Protocol:  userProtocol,
		Kind:      bus.KindGroup,
		PID:       tg.GroupID,
		FirstName: cfg.Group.Name,
		Alias:     cfg.Group.Name,
	}}
	mapper := newMapper(NewMediaResolver(client, paster, log), dest)

	return &Adapter{
		client:     client,
		mapper:     mapper,
		poller:     newPoller(client, mapper, mb, mb.State(), tg.PollTimeoutSeconds, log),
		dispatcher: newDispatcher(client, mapper, dest, tg.MaxTextLength, log),
		dest:       dest,
		bus:        mb,
		log:        log,
		identity: bus.User{
			Protocol:  userProtocol,
			Kind:      bus.KindUser,
			PID:       botID,
			Username:  tg.Username,
			FirstName: cfg.Bot.FullName,
			Alias:     cfg.Bot.Nickname,
		},
	}, nil
}

// Name returns the protocol identifier used in bus messages and logs.
func (a *Adapter) Name() string {
	return protocolName
}

// Start learns the bot identity, registers its handle, and runs the ingestion loop.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get bot identity: %w", err)
	}

	identity := *userFromTelego(me)
	a.mu.Lock()
	identity.Alias = a.identity.Alias
	a.identity = identity
	a.mu.Unlock()
	a.bus.AddHandle(identity.Username)

	a.log.Info("Telegram channel started", "bot", identity.Username, "destination", a.dest.PID())
	return a.poller.Run(ctx)
}

func (a *Adapter) Send(ctx context.Context, resp bus.Response, protocol string, forwarded *bus.Message) (*bus.Message, error) {
	return a.dispatcher.Send(ctx, resp, protocol, forwarded)
}

func (a *Adapter) Forward(ctx context.Context, msg *bus.Message, protocol string) (*bus.Message, error) {
	return a.dispatcher.Forward(ctx, msg, protocol)
}

func (a *Adapter) Status(ctx context.Context, dest *bus.User, action string) error {
	return a.dispatcher.Status(ctx, dest, action)
}

// Close stops polling and aborts pending API retries.
func (a *Adapter) Close() error {
	a.poller.Close()
	a.client.Close()
	return nil
}

// Identity returns the bot's own user, refreshed from getMe on Start.
func (a *Adapter) Identity() bus.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// Destination returns the bridged chat as last seen in inbound traffic.
func (a *Adapter) Destination() bus.User {
	return a.dest.Get()
}

// Client exposes the underlying API client for one-shot commands.
func (a *Adapter) Client() *Client {
	return a.client
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}

	return string(runes[:messagePreviewLimit]) + "..."
}
