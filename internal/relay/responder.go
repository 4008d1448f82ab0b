package relay

import (
	"context"
	"log/slog"
)

// Responder receives forwarded payloads and later answers through Server.Notify.
type Responder interface {
	Forward(ctx context.Context, id string, payload []byte) error
}

// Notifier surfaces lifecycle messages to the user.
type Notifier interface {
	Info(message string)
	Error(message string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Info(message string) {
	n.logger().Info(message)
}

func (n LogNotifier) Error(message string) {
	n.logger().Error(message)
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}
