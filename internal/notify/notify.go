// Package notify delivers fire-and-forget operator notifications.
package notify

import (
	"context"
	"log/slog"
)

// Notifier is the controller-facing notification surface. Calls are one-way;
// delivery failures are logged, never propagated.
type Notifier interface {
	Info(ctx context.Context, text string)
	Warn(ctx context.Context, text string)
	Error(ctx context.Context, text string)
}

// Noop drops all notifications. It preserves controller flow when no
// notification surface is wired.
type Noop struct{}

func (Noop) Info(context.Context, string)  {}
func (Noop) Warn(context.Context, string)  {}
func (Noop) Error(context.Context, string) {}

// Log routes notifications to the structured log only.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Info(ctx context.Context, text string) {
	if l.Logger != nil {
		l.Logger.InfoContext(ctx, "operator notification", "text", text)
	}
}

func (l Log) Warn(ctx context.Context, text string) {
	if l.Logger != nil {
		l.Logger.WarnContext(ctx, "operator notification", "text", text)
	}
}

func (l Log) Error(ctx context.Context, text string) {
	if l.Logger != nil {
		l.Logger.ErrorContext(ctx, "operator notification", "text", text)
	}
}
