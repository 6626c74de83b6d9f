package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	sloghttp "github.com/samber/slog-http"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/config"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	eventBufferSize   = 64
)

// Bus is the relay bus as seen by the gateway.
type Bus interface {
	EventPublisher
	Consume(ctx context.Context) (bus.Message, bool)
	ConsumeOutbound(ctx context.Context) (bus.Outbound, bool)
	SubscribeEvents(ctx context.Context, buffer int) (<-chan bus.Event, func())
	HasHandle(handle string) bool
}

// Service runs every protocol, relays group traffic between them, executes
// outbound intents, and serves health and readiness.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       Bus
	router    *router
	protocols []channel.Protocol

	mu             sync.RWMutex
	startedAt      time.Time
	pollLastOKAt   time.Time
	pollLastErr    string
	received       int64
	relayed        int64
	protocolStates map[string]protocolState
}

type protocolState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	PollLastOKAt  string                   `json:"poll_last_ok_at,omitempty"`
	PollLastErr   string                   `json:"poll_last_error,omitempty"`
	Received      int64                    `json:"received"`
	Relayed       int64                    `json:"relayed"`
	Protocols     map[string]protocolState `json:"protocols"`
}

func NewService(cfg *config.Config, mb Bus, protocols []channel.Protocol, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if mb == nil {
		return nil, errors.New("bus is required")
	}
	if len(protocols) == 0 {
		return nil, errors.New("at least one protocol is required")
	}
	if log == nil {
		log = slog.Default()
	}

	r, err := newRouter(protocols, mb, log)
	if err != nil {
		return nil, err
	}

	states := make(map[string]protocolState, len(protocols))
	for _, p := range protocols {
		states[p.Name()] = protocolState{}
	}

	return &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		bus:            mb,
		router:         r,
		protocols:      protocols,
		protocolStates: states,
	}, nil
}

// Run blocks until ctx is canceled, the health server fails, or a protocol
// stops with an error. Protocols are closed, and their Start calls have
// returned, before it returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	events, unsubscribe := s.bus.SubscribeEvents(ctx, eventBufferSize)
	defer unsubscribe()
	go s.trackEvents(ctx, events)

	listener, err := s.listen()
	if err != nil {
		return err
	}
	serverErrors := make(chan error, 1)
	go s.serveHealth(ctx, listener, serverErrors)

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.protocols))
	for _, p := range s.protocols {
		s.setProtocolState(p.Name(), protocolState{Running: true})

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Start(ctx)
			s.setProtocolState(p.Name(), protocolState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s protocol: %w", p.Name(), err)
				return
			}
			s.log.Info("Protocol stopped", "protocol", p.Name())
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runInbound(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runOutbound(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	if err := s.router.Close(); err != nil {
		s.log.Warn("Closing protocols failed", "error", err)
	}
	wg.Wait()

	return runErr
}

func (s *Service) runInbound(ctx context.Context) {
	for {
		msg, ok := s.bus.Consume(ctx)
		if !ok {
			return
		}
		s.handleInbound(ctx, msg)
	}
}

// handleInbound relays destination-chat traffic to every other protocol.
// Private chats and other groups are only logged.
func (s *Service) handleInbound(ctx context.Context, msg bus.Message) {
	chat := ""
	if msg.Chat != nil {
		chat = msg.Chat.Key()
	}
	s.log.Info("Message received",
		"protocol", msg.Protocol,
		"chat", chat,
		"context", msg.Kind,
		"sender", bus.SmartName(msg.Src),
		"content", preview(msg.DisplayText()),
	)

	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	if msg.Kind != bus.ContextGroup {
		return
	}
	if msg.Src != nil && s.bus.HasHandle(msg.Src.Username) {
		s.log.Debug("Skipping own message", "protocol", msg.Protocol, "message_id", msg.PID)
		return
	}

	s.router.Relay(ctx, msg)

	s.mu.Lock()
	s.relayed++
	s.mu.Unlock()
}

func (s *Service) runOutbound(ctx context.Context) {
	for {
		out, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if _, err := s.router.Deliver(ctx, out); err != nil {
			continue
		}
		s.log.Debug("Response delivered", "protocol", out.Protocol, "type", out.Response.Type)
	}
}

// trackEvents keeps the last poll outcome for readiness.
func (s *Service) trackEvents(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.applyEvent(event)
		}
	}
}

func (s *Service) applyEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventPollSucceeded:
		s.pollLastOKAt = event.At
		s.pollLastErr = ""
	case bus.EventPollFailed:
		s.pollLastErr = event.Error
		if s.pollLastErr == "" {
			s.pollLastErr = "poll failed"
		}
	}
}

func (s *Service) listen() (net.Listener, error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("start status server: %w", err)
	}

	return listener, nil
}

func (s *Service) serveHealth(ctx context.Context, listener net.Listener, errCh chan<- error) {
	server := &http.Server{
		Handler:           s.healthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("serve status server: %w", err)
	}
}

func (s *Service) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	handler := sloghttp.Recovery(mux)
	return sloghttp.New(s.log.With("component", "gateway.http"))(handler)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	protocols := make(map[string]protocolState, len(s.protocolStates))
	for name, state := range s.protocolStates {
		protocols[name] = state
	}

	pollLastOK := ""
	if !s.pollLastOKAt.IsZero() {
		pollLastOK = s.pollLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		PollLastOKAt:  pollLastOK,
		PollLastErr:   s.pollLastErr,
		Received:      s.received,
		Relayed:       s.relayed,
		Protocols:     protocols,
	}
}

// isReady requires a running protocol whose most recent poll succeeded.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.protocolStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	return anyRunning && !s.pollLastOKAt.IsZero() && s.pollLastErr == ""
}

func (s *Service) setProtocolState(name string, state protocolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolStates[name] = state
}

func preview(text string) string {
	const limit = 120
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}

	return string(runes[:limit]) + "..."
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
