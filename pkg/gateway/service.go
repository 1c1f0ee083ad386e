package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/conversation"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	defaultPollWait = 25 * time.Second
	maxActionBytes  = 64 << 10
)

// Conversation is the orchestrator surface the gateway drives.
type Conversation interface {
	Bootstrap(ctx context.Context) error
	Ready() <-chan struct{}
	Stage() conversation.Stage
	Close()
}

// Service hosts one conversation. Frames are pulled over HTTP unless a
// frontend adapter is configured, in which case the adapter consumes them.
type Service struct {
	cfg          *config.Config
	log          *slog.Logger
	transport    *bridge.Transport
	conversation Conversation
	frontend     channel.Adapter
	pollWait     time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	bootstrapErr  string
	frontendState channelState
}

type channelState struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Stage         string        `json:"stage"`
	BootstrapErr  string        `json:"bootstrap_error,omitempty"`
	Frontend      *channelState `json:"frontend,omitempty"`
}

type eventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewService wires the gateway. frontend may be nil to serve the HTTP pull endpoint.
func NewService(cfg *config.Config, transport *bridge.Transport, conv Conversation, frontend channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if transport == nil {
		return nil, errors.New("bridge transport is required")
	}
	if conv == nil {
		return nil, errors.New("conversation is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:          cfg,
		log:          log.With("component", "gateway.service"),
		transport:    transport,
		conversation: conv,
		frontend:     frontend,
		pollWait:     defaultPollWait,
	}
	if frontend != nil {
		s.frontendState = channelState{Name: frontend.Name()}
	}

	return s, nil
}

// Run serves HTTP, bootstraps the conversation and runs the frontend until
// ctx ends or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	defer s.transport.Close()
	defer s.conversation.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.runServer(groupCtx)
	})
	group.Go(func() error {
		if err := s.conversation.Bootstrap(groupCtx); err != nil {
			s.mu.Lock()
			s.bootstrapErr = err.Error()
			s.mu.Unlock()
			if groupCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bootstrap conversation: %w", err)
		}
		return nil
	})
	if s.frontend != nil {
		group.Go(func() error {
			s.setFrontendState(true, nil)
			err := s.frontend.Run(groupCtx, s.transport)
			s.setFrontendState(false, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s frontend: %w", s.frontend.Name(), err)
			}
			return nil
		})
	}

	return group.Wait()
}

func (s *Service) runServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr, "frontend", s.frontendName())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start gateway server: %w", err)
	}

	return nil
}

// Handler returns the gateway routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("POST /bridge/actions", s.handleAction)
	mux.HandleFunc("GET /bridge/events", s.handleEvents)

	return mux
}

func (s *Service) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBytes+1))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(body) > maxActionBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "action body too large"})
		return
	}

	if err := s.transport.ReceiveJSON(r.Context(), body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bridge.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.respondJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEvents long-polls for frames. ?wait=<duration> bounds the wait and
// accepts Go durations ("500ms", "10s") or bare seconds; wait=0 drains
// without blocking.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.frontend != nil {
		s.respondJSON(w, http.StatusConflict, errorResponse{Error: "events are delivered to the " + s.frontend.Name() + " frontend"})
		return
	}

	wait := s.pollWait
	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		requested, err := parseWait(raw)
		if err != nil {
			s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if requested < wait {
			wait = requested
		}
	}

	var frames [][]byte
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		frame, ok := s.transport.Next(ctx)
		cancel()
		if ok {
			frames = append(frames, frame)
		}
	}
	frames = append(frames, s.transport.Drain()...)

	events := make([]json.RawMessage, 0, len(frames))
	for _, frame := range frames {
		events = append(events, json.RawMessage(frame))
	}

	s.respondJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func parseWait(raw string) (time.Duration, error) {
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("wait must be a duration such as 500ms or 10s: %w", err)
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}

	return wait, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	response := statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Stage:         s.conversation.Stage().String(),
		BootstrapErr:  s.bootstrapErr,
	}
	if s.frontend != nil {
		frontend := s.frontendState
		response.Frontend = &frontend
	}

	return response
}

func (s *Service) isReady() bool {
	select {
	case <-s.conversation.Ready():
	default:
		return false
	}

	if s.frontend == nil {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.frontendState.Running
}

func (s *Service) setFrontendState(running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frontendState.Running = running
	s.frontendState.Error = errorString(err)
}

func (s *Service) frontendName() string {
	if s.frontend == nil {
		return "http"
	}

	return s.frontend.Name()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
