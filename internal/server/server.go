package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"devtunnel-go/internal/config"
	"devtunnel-go/internal/relay"
	"devtunnel-go/internal/settings"

	sse "github.com/tmaxmax/go-sse"
)

type devTunnelData struct {
	Data      string `json:"data"`
	RequestID string `json:"request_id"`
}

type relayEvent struct {
	Type          string        `json:"type"`
	DevTunnelData devTunnelData `json:"dev_tunnel_data"`
}

type pendingSummary struct {
	ID    string `json:"id"`
	AgeMs int64  `json:"ageMs"`
}

// Server is the control API the UI side talks to. Event streams opened with
// responder=1 act as the relay's Responder.
type Server struct {
	cfg   config.Config
	log   *slog.Logger
	hub   *Hub
	relay *relay.Server
	gate  *settings.Gate

	respondersMu sync.Mutex
	responders   map[*channelMessageWriter]struct{}
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func New(cfg config.Config, hub *Hub, relaySrv *relay.Server, gate *settings.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		log:        logger.With("component", "control"),
		hub:        hub,
		relay:      relaySrv,
		gate:       gate,
		responders: map[*channelMessageWriter]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/relay/respond", s.handleRespond)
	mux.HandleFunc("/api/relay/status", s.handleRelayStatus)
	mux.HandleFunc("/api/events/stream", s.handleEventsStream)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.gate.Current())
	case http.MethodPost:
		var update settings.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
			return
		}
		if update.PreferredPort < 0 || update.PreferredPort > 65535 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "preferredPort must be between 0 and 65535."})
			return
		}
		// The update runs to completion even if the caller goes away.
		res, err := s.gate.Update(context.WithoutCancel(r.Context()), update)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		payload := map[string]any{
			"applied":  res.Applied,
			"stale":    res.Stale,
			"reverted": res.Reverted,
			"settings": s.gate.Current(),
		}
		if res.StartErr != nil {
			payload["error"] = res.StartErr.Error()
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var request struct {
		RequestID string `json:"requestId"`
		Success   bool   `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	request.RequestID = strings.TrimSpace(request.RequestID)
	if request.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "requestId is required."})
		return
	}
	resolved := s.relay.Notify(request.RequestID, request.Success)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	status := s.relay.Status()
	now := time.Now()
	pending := make([]pendingSummary, 0, status.Pending)
	for _, info := range s.relay.Pending() {
		pending = append(pending, pendingSummary{ID: info.ID, AgeMs: now.Sub(info.CreatedAt).Milliseconds()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      status.State.String(),
		"port":       status.Port,
		"pending":    pending,
		"responders": s.responderCount(),
	})
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	isResponder := r.URL.Query().Get("responder") == "1"
	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	if lastEventID == "" {
		if err := sess.Send(settingsMessage(s.gate.Current())); err != nil {
			return
		}
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{topicSettings, topicNotifications},
	}
	if lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.hub.Subscribe(r.Context(), sub)
	}()
	if isResponder {
		s.addResponder(writer)
		defer s.removeResponder(writer)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("event stream subscription ended", "err", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

// Forward pushes a relayed payload to every connected responder stream.
func (s *Server) Forward(ctx context.Context, id string, payload []byte) error {
	encoded, err := json.Marshal(relayEvent{
		Type:          "dev_tunnel_data",
		DevTunnelData: devTunnelData{Data: string(payload), RequestID: id},
	})
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(encoded))

	s.respondersMu.Lock()
	defer s.respondersMu.Unlock()
	delivered := 0
	for writer := range s.responders {
		if err := writer.Send(msg); err != nil {
			s.log.Warn("responder stream backpressured", "id", id)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return relay.ErrResponderUnavailable
	}
	return nil
}

// addResponder and removeResponder attach the control server to the relay
// while at least one responder stream is connected.
func (s *Server) addResponder(writer *channelMessageWriter) {
	s.respondersMu.Lock()
	defer s.respondersMu.Unlock()
	s.responders[writer] = struct{}{}
	if len(s.responders) == 1 {
		s.relay.SetResponder(s)
		s.log.Info("responder attached")
	}
}

func (s *Server) removeResponder(writer *channelMessageWriter) {
	s.respondersMu.Lock()
	defer s.respondersMu.Unlock()
	delete(s.responders, writer)
	if len(s.responders) == 0 {
		s.relay.SetResponder(nil)
		s.log.Info("responder detached")
	}
}

func (s *Server) responderCount() int {
	s.respondersMu.Lock()
	defer s.respondersMu.Unlock()
	return len(s.responders)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hub.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
