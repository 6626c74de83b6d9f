package telegram

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, transport *fakeTransport, clk clock, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{WithTransport(transport), withClock(clk), WithLogger(discardLogger())}
	c, err := NewClient("12345:secret", append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClientSpacesCallsFromCompletion(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk, latency: time.Second}
	c := newTestClient(t, transport, clk, WithRate(0.5))

	for range 3 {
		if _, err := c.Call(context.Background(), "sendChatAction", nil, nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	if len(transport.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(transport.calls))
	}
	for i := 1; i < len(transport.calls); i++ {
		finished := transport.calls[i-1].at.Add(transport.latency)
		if gap := transport.calls[i].at.Sub(finished); gap < 2*time.Second {
			t.Fatalf("gap before call %d = %s, want >= 2s", i, gap)
		}
	}
}

func TestClientFirstCallDoesNotWait(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(t, &fakeTransport{clock: clk}, clk)

	if _, err := c.Call(context.Background(), "getMe", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(clk.sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", clk.sleeps)
	}
}

func TestClientSerializesConcurrentCallers(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk}
	c := newTestClient(t, transport, clk, WithRate(1))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Call(context.Background(), "sendMessage", nil, nil)
		}()
	}
	wg.Wait()

	if len(transport.calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(transport.calls))
	}
	for i := 1; i < len(transport.calls); i++ {
		if gap := transport.calls[i].at.Sub(transport.calls[i-1].at); gap < time.Second {
			t.Fatalf("gap before call %d = %s, want >= 1s", i, gap)
		}
	}
}

func TestClientRetriesOnFreshSession(t *testing.T) {
	clk := newFakeClock()
	netErr := errors.New("connection reset")
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{{err: netErr}, {err: netErr}}}
	c := newTestClient(t, transport, clk)

	_, err := c.Call(context.Background(), "getUpdates", nil, nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if transportErr.Attempts != 2 || !errors.Is(err, netErr) {
		t.Fatalf("transport error = %+v", transportErr)
	}
	if len(transport.calls) != 2 {
		t.Fatalf("attempts = %d, want 2", len(transport.calls))
	}
	if transport.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", transport.reconnects)
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != 4*time.Second {
		t.Fatalf("backoff = %v, want [4s]", clk.sleeps)
	}
}

func TestClientRetriesMalformedEnvelope(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{
		{body: "<html>bad gateway</html>"},
		{body: `{"ok":true,"result":{"message_id":1}}`},
	}}
	c := newTestClient(t, transport, clk)

	raw, err := c.Call(context.Background(), "sendMessage", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != `{"message_id":1}` {
		t.Fatalf("result = %s", raw)
	}
	if transport.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", transport.reconnects)
	}
}

func TestClientReturnsAPIErrorWithoutRetry(t *testing.T) {
	clk := newFakeClock()
	body := `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{{body: body}}}
	c := newTestClient(t, transport, clk)

	_, err := c.Call(context.Background(), "sendMessage", Params{"chat_id": "1"}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Code != 400 || apiErr.Description != "Bad Request: chat not found" || apiErr.Method != "sendMessage" {
		t.Fatalf("api error = %+v", apiErr)
	}
	if string(apiErr.Envelope) != body {
		t.Fatalf("envelope = %s", apiErr.Envelope)
	}
	if len(transport.calls) != 1 || transport.reconnects != 0 {
		t.Fatalf("calls = %d reconnects = %d, want 1 and 0", len(transport.calls), transport.reconnects)
	}
}

func TestClientMissingOKFlagIsTransportFailure(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{{body: `{}`}, {body: `{"result":1}`}}}
	c := newTestClient(t, transport, clk)

	_, err := c.Call(context.Background(), "getMe", nil, nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want TransportError", err)
	}
}

func TestClientClosedBeforeCall(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk}
	c := newTestClient(t, transport, clk)
	c.Close()

	if _, err := c.Call(context.Background(), "getMe", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
	if len(transport.calls) != 0 {
		t.Fatalf("calls = %d, want 0", len(transport.calls))
	}
}

type stuckClock struct {
	fakeClock
	waiting chan struct{}
}

func (c *stuckClock) After(time.Duration) <-chan time.Time {
	select {
	case c.waiting <- struct{}{}:
	default:
	}
	return nil
}

func TestClientCloseAbortsRetryWait(t *testing.T) {
	clk := &stuckClock{waiting: make(chan struct{}, 1)}
	transport := &fakeTransport{responses: []fakeResponse{{err: errors.New("timeout")}}}
	c := newTestClient(t, transport, clk)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "getUpdates", nil, nil)
		done <- err
	}()

	select {
	case <-clk.waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("client never entered backoff")
	}
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not abort the retry wait")
	}
	if transport.reconnects != 0 {
		t.Fatalf("reconnects = %d, want 0", transport.reconnects)
	}
}

func TestClientUploadMustExist(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk}
	c := newTestClient(t, transport, clk)

	_, err := c.Call(context.Background(), "sendPhoto", nil, &InputFile{Field: "photo", Path: filepath.Join(t.TempDir(), "missing.jpg")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want not exist", err)
	}
	if len(transport.calls) != 0 {
		t.Fatalf("calls = %d, want 0", len(transport.calls))
	}
}

func TestClientURLs(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk}
	c := newTestClient(t, transport, clk, WithAPIBase("https://tg.example/ "))

	if got := c.FileURL("/photos/a.jpg"); got != "https://tg.example/file/bot12345:secret/photos/a.jpg" {
		t.Fatalf("FileURL = %q", got)
	}
	if _, err := c.Call(context.Background(), "getMe", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if transport.calls[0].method != "getMe" {
		t.Fatalf("method = %q", transport.calls[0].method)
	}
}

func TestGetFileWithoutPathIsAPIError(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{{body: `{"ok":true,"result":{"file_id":"abc"}}`}}}
	c := newTestClient(t, transport, clk)

	_, err := c.GetFile(context.Background(), "abc")
	if !IsAPIError(err) || !strings.Contains(err.Error(), "abc") {
		t.Fatalf("error = %v, want APIError naming the file", err)
	}
}

func TestGetUpdatesSendsCursor(t *testing.T) {
	clk := newFakeClock()
	transport := &fakeTransport{clock: clk, responses: []fakeResponse{
		{body: `{"ok":true,"result":[{"update_id":9,"message":{"message_id":1}},{"update_id":10}]}`},
	}}
	c := newTestClient(t, transport, clk)

	updates, err := c.GetUpdates(context.Background(), 9, 10)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 || !updates[0].HasMessage() || updates[1].HasMessage() {
		t.Fatalf("updates = %+v", updates)
	}
	if p := transport.calls[0].params; p["offset"] != "9" || p["timeout"] != "10" {
		t.Fatalf("params = %v", p)
	}
}

func TestSendMediaRejectsUnknownKind(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(t, &fakeTransport{clock: clk}, clk)

	if _, err := c.SendMedia(context.Background(), "hologram", 1, nil, nil); err == nil {
		t.Fatal("expected unsupported media kind error")
	}
}

func TestParamsDropEmptyValues(t *testing.T) {
	p := Params{}
	p.Set("text", "hi")
	p.SetInt("reply_to_message_id", 0)
	p.Merge(map[string]string{"parse_mode": "", "photo": "id"})
	p.Set("text", "")

	values := p.Values()
	if len(values) != 1 || values.Get("photo") != "id" {
		t.Fatalf("values = %v", values)
	}
}

func TestBotIDFromToken(t *testing.T) {
	id, err := botIDFromToken(" 987:abc ")
	if err != nil || id != 987 {
		t.Fatalf("botIDFromToken = %d, %v", id, err)
	}
	for _, bad := range []string{"", "987", "x:abc", "-1:abc"} {
		if _, err := botIDFromToken(bad); err == nil {
			t.Fatalf("botIDFromToken(%q) expected error", bad)
		}
	}
}
