package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultAPIBase     = "https://api.telegram.org"
	defaultRate        = 1.0 / 3
	defaultAttempts    = 2
	defaultCallTimeout = 45 * time.Second
	defaultUserAgent   = "tgrelay"
	retryBackoffUnit   = 2 * time.Second
)

type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Client is the single serialized channel to the Bot API. All callers share
// one rate budget: calls are spaced at least 1/rate apart, measured from the
// completion of the previous call.
type Client struct {
	token       string
	apiBase     string
	spacing     time.Duration
	attempts    int
	callTimeout time.Duration
	userAgent   string
	transport   Transport
	clock       clock
	log         *slog.Logger

	// mu makes wait, call, and lastCall update one atomic unit.
	mu       sync.Mutex
	lastCall time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRate sets the call budget in calls per second.
func WithRate(callsPerSecond float64) ClientOption {
	return func(c *Client) {
		if callsPerSecond > 0 {
			c.spacing = time.Duration(float64(time.Second) / callsPerSecond)
		}
	}
}

func WithAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.transport = t }
}

func WithAPIBase(base string) ClientOption {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.apiBase = base
		}
	}
}

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func withClock(clk clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// NewClient builds a Bot API client for token.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}

	c := &Client{
		token:       token,
		apiBase:     defaultAPIBase,
		spacing:     time.Duration(float64(time.Second) / defaultRate),
		attempts:    defaultAttempts,
		callTimeout: defaultCallTimeout,
		userAgent:   defaultUserAgent,
		clock:       realClock{},
		log:         slog.Default(),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = newFastHTTPTransport(c.userAgent, c.callTimeout)
	}
	c.log = c.log.With("component", "channel.telegram.api")

	return c, nil
}

// FileURL returns the download URL for a file path reported by getFile.
func (c *Client) FileURL(filePath string) string {
	return c.apiBase + "/file/bot" + c.token + "/" + strings.TrimLeft(filePath, "/")
}

// Close aborts pending retry waits and fails every later call with ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type envelope struct {
	OK          *bool           `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Call invokes one Bot API method and returns the envelope's result field.
func (c *Client) Call(ctx context.Context, method string, params Params, file *InputFile) (json.RawMessage, error) {
	if params == nil {
		params = Params{}
	}
	if file != nil {
		if _, err := os.Stat(file.Path); err != nil {
			return nil, fmt.Errorf("telegram %s: upload %s: %w", method, file.Field, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastCall.IsZero() {
		if wait := c.spacing - c.clock.Now().Sub(c.lastCall); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	body, env, err := c.roundTrip(ctx, method, params, file)
	c.lastCall = c.clock.Now()
	if err != nil {
		return nil, err
	}

	if !*env.OK {
		return nil, &APIError{
			Method:      method,
			Code:        env.ErrorCode,
			Description: env.Description,
			Envelope:    json.RawMessage(body),
		}
	}

	return env.Result, nil
}

// roundTrip posts with retries. A body that is not a JSON envelope counts as a
// transport failure, so it is retried on a fresh session.
func (c *Client) roundTrip(ctx context.Context, method string, params Params, file *InputFile) ([]byte, envelope, error) {
	url := c.apiBase + "/bot" + c.token + "/" + method

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if c.isClosed() {
			return nil, envelope{}, ErrClosed
		}

		body, err := c.transport.Post(ctx, url, params, file)
		if err == nil {
			var env envelope
			if env, err = decodeEnvelope(body); err == nil {
				return body, env, nil
			}
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, envelope{}, &TransportError{Method: method, Attempts: attempt, Err: ctxErr}
		}
		if attempt == c.attempts {
			break
		}

		backoff := time.Duration(attempt+1) * retryBackoffUnit
		c.log.Warn("Bot API call failed, retrying on a new session", "method", method, "attempt", attempt, "backoff", backoff, "error", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, envelope{}, err
		}
		c.transport.Reconnect()
		c.log.Warn("Session changed", "method", method)
	}

	return nil, envelope{}, &TransportError{Method: method, Attempts: c.attempts, Err: lastErr}
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.OK == nil {
		return envelope{}, errors.New("decode envelope: missing ok flag")
	}

	return env, nil
}

// sleep waits for d unless the context is canceled or the client is closed.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case <-c.clock.After(d):
		return nil
	}
}
