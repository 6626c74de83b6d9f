package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/config"
	"tgrelay/pkg/state"

	"github.com/stretchr/testify/require"
)

func newE2EService(t *testing.T, protocols ...channel.Protocol) (*Service, *bus.MessageBus, int) {
	t.Helper()

	mb := bus.NewMessageBus(state.NewMemory())
	t.Cleanup(mb.Close)

	port := freeTCPPort(t)
	cfg := config.Default()
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: port}

	svc, err := NewService(cfg, mb, protocols, quietLogger())
	require.NoError(t, err)
	return svc, mb, port
}

func runService(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	return errCh
}

func waitStop(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func waitCalls(t *testing.T, p *fakeProtocol, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		forwarded, sent := p.snapshot()
		if len(forwarded)+len(sent) >= n {
			return
		}
		select {
		case <-p.calls:
		case <-deadline:
			t.Fatalf("timed out waiting for %d calls on %s", n, p.name)
		}
	}
}

func TestGatewayServiceRunE2ERelaysGroupMessagesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tg := newFakeProtocol("telegrambot")
	irc := newFakeProtocol("irc")
	svc, mb, _ := newE2EService(t, tg, irc)
	errCh := runService(t, ctx, svc)

	for i, text := range []string{"one", "two", "three"} {
		msg := bus.Message{
			Protocol: "telegrambot",
			PID:      int64(i + 1),
			Kind:     bus.ContextGroup,
			Src:      &bus.User{Protocol: "telegram", FirstName: "Ada"},
			Chat:     &bus.User{Protocol: "telegram", PID: -1001},
			Text:     text,
		}
		require.True(t, mb.Post(ctx, msg))
	}
	require.True(t, mb.Post(ctx, bus.Message{Protocol: "telegrambot", PID: 9, Kind: bus.ContextPrivate, Text: "secret"}))

	waitCalls(t, irc, 3)
	waitStop(t, cancel, errCh)

	forwarded, _ := irc.snapshot()
	require.Len(t, forwarded, 3)
	require.Equal(t, "one", forwarded[0].msg.Text)
	require.Equal(t, "two", forwarded[1].msg.Text)
	require.Equal(t, "three", forwarded[2].msg.Text)
	require.NotZero(t, forwarded[0].msg.ID)

	own, _ := tg.snapshot()
	require.Empty(t, own)
	require.True(t, tg.closed)
	require.True(t, irc.closed)
}

func TestGatewayServiceRunE2EExecutesOutboundIntents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tg := newFakeProtocol("telegrambot")
	svc, mb, _ := newE2EService(t, tg)
	events, unsubscribe := mb.SubscribeEvents(ctx, 8)
	defer unsubscribe()
	errCh := runService(t, ctx, svc)

	request := &bus.Message{Protocol: "irc", PID: 4, Src: &bus.User{FirstName: "Ada"}}
	forwarded := &bus.Message{Protocol: "telegrambot", PID: 44}
	require.True(t, mb.Respond(ctx, bus.Outbound{
		Protocol:  "telegrambot",
		Response:  bus.Response{Text: "pong", Type: bus.ResponsePlain, Reply: request},
		Forwarded: forwarded,
	}))

	waitCalls(t, tg, 1)

	select {
	case event := <-events:
		require.Equal(t, bus.EventMessageSent, event.Type)
		require.Equal(t, "telegrambot", event.Protocol)
	case <-time.After(2 * time.Second):
		t.Fatal("missing message_sent event")
	}

	waitStop(t, cancel, errCh)

	_, sent := tg.snapshot()
	require.Len(t, sent, 1)
	require.Equal(t, "pong", sent[0].resp.Text)
	require.Equal(t, "irc", sent[0].origin)
	require.Equal(t, int64(44), sent[0].forwarded.PID)
}

func TestGatewayServiceReadyzFollowsPollOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tg := newFakeProtocol("telegrambot")
	svc, mb, port := newE2EService(t, tg)
	errCh := runService(t, ctx, svc)

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", port)

	require.Equal(t, http.StatusOK, waitHTTPStatus(t, healthURL, 2*time.Second))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, readyURL, 2*time.Second))

	require.True(t, mb.PublishEvent(ctx, bus.Event{Type: bus.EventPollSucceeded, Protocol: "telegrambot"}))
	require.Equal(t, http.StatusOK, waitForStatus(t, readyURL, http.StatusOK, 2*time.Second))

	require.True(t, mb.PublishEvent(ctx, bus.Event{Type: bus.EventPollFailed, Protocol: "telegrambot", Error: "timeout"}))
	require.Equal(t, http.StatusServiceUnavailable, waitForStatus(t, readyURL, http.StatusServiceUnavailable, 2*time.Second))

	response, err := http.Get(readyURL)
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.NoError(t, response.Body.Close())
	require.Equal(t, "not_ready", status.Status)
	require.Equal(t, "timeout", status.PollLastErr)
	require.True(t, status.Protocols["telegrambot"].Running)

	waitStop(t, cancel, errCh)
}

func waitForStatus(t *testing.T, url string, want int, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := waitHTTPStatus(t, url, timeout)
		if got == want || time.Now().After(deadline) {
			return got
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

// lingeringProtocol keeps working for a moment after cancellation, like a
// poller finishing its long poll and cursor write.
type lingeringProtocol struct {
	*fakeProtocol
	finished atomic.Bool
}

func (p *lingeringProtocol) Start(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	p.finished.Store(true)
	return nil
}

func TestGatewayServiceRunWaitsForProtocolsToStop(t *testing.T) {
	p := &lingeringProtocol{fakeProtocol: newFakeProtocol("telegrambot")}
	svc, _, port := newE2EService(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runService(t, ctx, svc)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, fmt.Sprintf("http://127.0.0.1:%d/healthz", port), 3*time.Second))

	waitStop(t, cancel, errCh)
	require.True(t, p.finished.Load(), "Run returned before the protocol's Start did")

	p.mu.Lock()
	defer p.mu.Unlock()
	require.True(t, p.closed)
}
