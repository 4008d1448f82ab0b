package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"devtunnel-go/internal/settings"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
)

const (
	topicSettings      = "settings"
	topicNotifications = "notifications"
)

// Hub fans settings snapshots and user notifications out to every event
// stream. Missed events can be replayed with Last-Event-ID.
type Hub struct {
	log      *slog.Logger
	provider sse.Provider

	publishMu sync.Mutex
}

type settingsEvent struct {
	Type     string                 `json:"type"`
	Settings settings.Configuration `json:"settings"`
}

type notificationEvent struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func NewHub(logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	replayer, err := sse.NewValidReplayer(time.Hour, false)
	if err != nil {
		return nil, err
	}
	return &Hub{
		log:      logger.With("component", "hub"),
		provider: &sse.Joe{Replayer: replayer},
	}, nil
}

func (h *Hub) SettingsChanged(cfg settings.Configuration) {
	if err := h.publish(topicSettings, settingsEvent{Type: "settings", Settings: cfg}); err != nil {
		h.log.Warn("publishing settings failed", "err", err)
	}
}

func (h *Hub) Info(message string) {
	h.log.Info(message)
	h.notify("info", message)
}

func (h *Hub) Error(message string) {
	h.log.Error(message)
	h.notify("error", message)
}

func (h *Hub) notify(level, message string) {
	if err := h.publish(topicNotifications, notificationEvent{Type: "notification", Level: level, Message: message}); err != nil {
		h.log.Warn("publishing notification failed", "err", err)
	}
}

func (h *Hub) publish(topic string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(encoded))
	err = h.provider.Publish(msg, []string{topic})
	if errors.Is(err, sse.ErrProviderClosed) {
		return nil
	}
	return err
}

func (h *Hub) Subscribe(ctx context.Context, sub sse.Subscription) error {
	return h.provider.Subscribe(ctx, sub)
}

func (h *Hub) Shutdown(ctx context.Context) error {
	return h.provider.Shutdown(ctx)
}

func settingsMessage(cfg settings.Configuration) *sse.Message {
	encoded, _ := json.Marshal(settingsEvent{Type: "settings", Settings: cfg})
	msg := &sse.Message{}
	msg.AppendData(string(encoded))
	return msg
}
