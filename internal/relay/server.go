package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"devtunnel-go/internal/pending"
	"devtunnel-go/internal/ports"

	"github.com/benbjohnson/clock"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPortRange    = 100
	DefaultMaxBodyBytes = 10 << 20

	// DefaultShutdownGrace bounds how long Stop waits for in-flight connections
	// before closing them.
	DefaultShutdownGrace = 5 * time.Second

	MessageNoResponder = "No visible webview to handle request"
	MessageStopped     = "DevTunnel stopped"
	MessageTooLarge    = "Request body too large"

	livenessBody = "DevTunnel is running!"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

type Status struct {
	State   State
	Port    int
	Pending int
}

type Options struct {
	Host           string
	PortRange      int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	ShutdownGrace  time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Notifier       Notifier
}

// Server is the relay. Construct one per process and hand it to its collaborators.
type Server struct {
	host      string
	portRange int
	maxBody   int64
	grace     time.Duration
	log       *slog.Logger
	notifier  Notifier
	registry  *pending.Registry

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	state      State
	port       int
	httpServer *http.Server
	serveDone  chan struct{}
	responder  Responder
	observers  []func(Status)
}

func New(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.PortRange <= 0 {
		opts.PortRange = DefaultPortRange
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	regOpts := []pending.Option{pending.WithTimeout(opts.RequestTimeout)}
	if opts.Clock != nil {
		regOpts = append(regOpts, pending.WithClock(opts.Clock))
	}
	return &Server{
		host:      opts.Host,
		portRange: opts.PortRange,
		maxBody:   opts.MaxBodyBytes,
		grace:     opts.ShutdownGrace,
		log:       opts.Logger.With("component", "relay"),
		notifier:  opts.Notifier,
		registry:  pending.New(regOpts...),
	}
}

// SetResponder attaches r, or detaches the current responder when r is nil.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// OnStateChange registers fn to be called after every transition into
// Running or Stopped.
func (s *Server) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning
}

func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

func (s *Server) Status() Status {
	s.mu.RLock()
	status := Status{State: s.state, Port: s.port}
	s.mu.RUnlock()
	status.Pending = s.registry.Len()
	return status
}

func (s *Server) Pending() []pending.Info {
	return s.registry.Pending()
}

// Notify resolves the request registered under id. Late and duplicate
// callbacks return false.
func (s *Server) Notify(id string, success bool) bool {
	if s.registry.Resolve(id, success) {
		s.log.Debug("relay request resolved", "id", id, "success", success)
		return true
	}
	s.log.Debug("ignoring callback for unknown request", "id", id)
	return false
}

// Start binds the relay on the first free port at or above preferredPort.
func (s *Server) Start(ctx context.Context, preferredPort int) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if preferredPort <= 0 {
		preferredPort = ports.DefaultPreferred
	}

	s.mu.RLock()
	state, current := s.state, s.port
	s.mu.RUnlock()
	if state == StateRunning {
		if current == preferredPort {
			return nil
		}
		if err := s.stopLocked(ctx); err != nil {
			return err
		}
	}

	s.setState(StateStarting, 0)
	port, err := ports.Find(s.host, preferredPort, s.portRange)
	if err != nil {
		s.setState(StateStopped, 0)
		s.log.Error("no relay port available", "preferred", preferredPort, "range", s.portRange)
		s.notifier.Error(fmt.Sprintf("Failed to find an available port starting from %d", preferredPort))
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
	if err != nil {
		s.setState(StateStopped, 0)
		s.log.Error("relay bind failed", "port", port, "err", err)
		s.notifier.Error(fmt.Sprintf("Failed to start DevTunnel: %v", err))
		return &BindError{Port: port, Err: err}
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	s.registry.Reopen()
	go func() {
		defer close(done)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay serve failed", "port", port, "err", err)
		}
	}()

	s.mu.Lock()
	s.state = StateRunning
	s.port = port
	s.httpServer = httpServer
	s.serveDone = done
	s.mu.Unlock()

	s.log.Info("relay started", "port", port, "preferred", preferredPort)
	s.notifier.Info(fmt.Sprintf("DevTunnel started at http://localhost:%d", port))
	s.emit()
	return nil
}

// Stop closes the listener and answers every outstanding request with 503.
// When Stop returns the port is no longer bound.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked(ctx)
}

// Shutdown stops the relay at process exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetResponder(nil)
	return s.Stop(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	httpServer, done, port := s.httpServer, s.serveDone, s.port
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- httpServer.Shutdown(sctx)
	}()
	drained := s.registry.DrainAll(http.StatusServiceUnavailable, MessageStopped)
	if err := <-shutdownErr; err != nil {
		s.log.Warn("relay shutdown incomplete, closing connections", "port", port, "err", err)
		_ = httpServer.Close()
	}
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.port = 0
	s.httpServer = nil
	s.serveDone = nil
	s.mu.Unlock()

	s.log.Info("relay stopped", "port", port, "drained", drained)
	s.notifier.Info(MessageStopped)
	s.emit()
	return nil
}

func (s *Server) setState(state State, port int) {
	s.mu.Lock()
	s.state = state
	s.port = port
	s.mu.Unlock()
}

func (s *Server) emit() {
	s.mu.RLock()
	observers := append([]func(Status){}, s.observers...)
	s.mu.RUnlock()
	status := s.Status()
	for _, fn := range observers {
		fn(status)
	}
}

func (s *Server) currentResponder() Responder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responder
}

// Handler serves the relay endpoint. Every path is treated the same.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type")

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			s.handleRelay(w, r)
		default:
			header.Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, livenessBody)
		}
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, MessageTooLarge)
			return
		}
		writeMessage(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	s.log.Debug("received relay request", "bytes", len(body))

	responder := s.currentResponder()
	if responder == nil {
		writeMessage(w, http.StatusServiceUnavailable, MessageNoResponder)
		return
	}

	replies := make(chan pending.Reply, 1)
	id, err := s.registry.Register(pending.ChanSink(replies))
	if err != nil {
		writeMessage(w, http.StatusServiceUnavailable, MessageStopped)
		return
	}

	if err := responder.Forward(r.Context(), id, body); err != nil {
		s.log.Warn("forward to responder failed", "id", id, "err", err)
		if s.registry.Cancel(id) {
			writeMessage(w, http.StatusServiceUnavailable, MessageNoResponder)
			return
		}
	}

	select {
	case reply := <-replies:
		writeMessage(w, reply.Status, reply.Message)
	case <-r.Context().Done():
		s.log.Debug("relay caller disconnected", "id", id)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
