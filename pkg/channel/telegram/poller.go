package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tgrelay/pkg/bus"
)

const (
	offsetKey          = "tgapi.offset"
	defaultPollTimeout = 10
	defaultIdleDelay   = 200 * time.Millisecond
)

var errDispatchStopped = errors.New("bus stopped accepting messages")

type updatesAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error)
}

type messageMapper interface {
	Message(ctx context.Context, raw json.RawMessage) (*bus.Message, error)
}

// Sink is the part of the bus the ingestion loop publishes to.
type Sink interface {
	Post(ctx context.Context, msg bus.Message) bool
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Poller long-polls getUpdates and posts every message to the bus in
// receipt order. The cursor only advances once a whole batch is dispatched,
// so a crash mid-batch redelivers the batch instead of losing it.
type Poller struct {
	api         updatesAPI
	mapper      messageMapper
	sink        Sink
	store       bus.StateStore
	pollTimeout int
	idleDelay   time.Duration
	log         *slog.Logger

	running   atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
}

func newPoller(api updatesAPI, mapper messageMapper, sink Sink, store bus.StateStore, pollTimeout int, log *slog.Logger) *Poller {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	return &Poller{
		api:         api,
		mapper:      mapper,
		sink:        sink,
		store:       store,
		pollTimeout: pollTimeout,
		idleDelay:   defaultIdleDelay,
		log:         log,
		stop:        make(chan struct{}),
	}
}

// Run polls until ctx is canceled or Close is called. Poll failures are
// logged and never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	select {
	case <-p.stop:
		return nil
	default:
	}
	p.running.Store(true)
	defer p.running.Store(false)

	for ctx.Err() == nil {
		select {
		case <-p.stop:
			return nil
		default:
		}

		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			if errors.Is(err, errDispatchStopped) {
				p.log.Info("Bus closed, stopping updates", "error", err)
				return nil
			}
			p.log.Error("Get updates failed", "error", err)
			p.sink.PublishEvent(ctx, bus.Event{Type: bus.EventPollFailed, Protocol: protocolName, Error: err.Error()})
		} else {
			p.sink.PublishEvent(ctx, bus.Event{Type: bus.EventPollSucceeded, Protocol: protocolName})
		}

		select {
		case <-ctx.Done():
		case <-p.stop:
			return nil
		case <-time.After(p.idleDelay):
		}
	}

	return nil
}

func (p *Poller) pollOnce(ctx context.Context) error {
	offset, err := bus.GetInt(ctx, p.store, offsetKey, 0)
	if err != nil {
		return fmt.Errorf("read poll offset: %w", err)
	}
	p.log.Debug("Polling updates", "offset", offset)

	updates, err := p.api.GetUpdates(ctx, offset, p.pollTimeout)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	p.log.Debug("Messages coming", "count", len(updates))

	var maxID int64
	for _, upd := range updates {
		maxID = max(maxID, upd.UpdateID)
		if !upd.HasMessage() {
			continue
		}

		msg, err := p.mapper.Message(ctx, upd.Message)
		if err != nil {
			p.log.Warn("Dropping undecodable update", "update_id", upd.UpdateID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		if !p.sink.Post(ctx, *msg) {
			return fmt.Errorf("dispatch update %d: %w", upd.UpdateID, errDispatchStopped)
		}
		p.sink.PublishEvent(ctx, bus.Event{
			Type:     bus.EventMessageReceived,
			Protocol: protocolName,
			ChatPID:  msg.Chat.PID,
			Payload:  map[string]string{"update_id": strconv.FormatInt(upd.UpdateID, 10)},
		})
	}

	if err := bus.SetInt(ctx, p.store, offsetKey, maxID+1); err != nil {
		return fmt.Errorf("store poll offset: %w", err)
	}

	return nil
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Close stops the loop at its next check. An in-flight poll is not interrupted.
func (p *Poller) Close() {
	p.closeOnce.Do(func() { close(p.stop) })
}
