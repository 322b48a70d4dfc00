package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Desktop sends freedesktop notifications over DBus via busctl. Info and
// warning messages replace each other; errors always surface as new
// notifications so they are not lost behind a status update.
type Desktop struct {
	appName string
	logger  *slog.Logger

	mu     sync.Mutex
	lastID uint32
}

// NewDesktop constructs a desktop notifier with the given application name.
func NewDesktop(appName string, logger *slog.Logger) *Desktop {
	if appName == "" {
		appName = "escriba"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Desktop{appName: appName, logger: logger}
}

func (d *Desktop) Info(ctx context.Context, text string) {
	d.send(ctx, text, 4000, true)
}

func (d *Desktop) Warn(ctx context.Context, text string) {
	d.send(ctx, text, 6000, true)
}

func (d *Desktop) Error(ctx context.Context, text string) {
	d.send(ctx, text, 0, false)
}

// send dispatches one notification, optionally replacing the previous one.
func (d *Desktop) send(ctx context.Context, text string, timeoutMS int, replace bool) {
	var replaceID uint32
	if replace {
		d.mu.Lock()
		replaceID = d.lastID
		d.mu.Unlock()
	}

	id, err := desktopNotify(ctx, d.appName, replaceID, text, timeoutMS)
	if err != nil {
		d.logger.Warn("desktop notification failed", "error", err.Error())
		return
	}

	if replace {
		d.mu.Lock()
		d.lastID = id
		d.mu.Unlock()
	}
}

// desktopNotify sends a freedesktop notification over DBus via busctl and
// returns the notification ID assigned by the server.
func desktopNotify(ctx context.Context, appName string, replaceID uint32, summary string, timeoutMS int) (uint32, error) {
	args := []string{
		"--user",
		"call",
		"org.freedesktop.Notifications",
		"/org/freedesktop/Notifications",
		"org.freedesktop.Notifications",
		"Notify",
		"susssasa{sv}i",
		appName,
		fmt.Sprintf("%d", replaceID),
		"",
		summary,
		"",
		"0", // actions array length
		"0", // hints map length
		fmt.Sprintf("%d", timeoutMS),
	}

	out, err := exec.CommandContext(ctx, "busctl", args...).CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return 0, fmt.Errorf("desktop notify failed: %w", err)
		}
		return 0, fmt.Errorf("desktop notify failed: %w (%s)", err, trimmed)
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 || fields[0] != "u" {
		return 0, fmt.Errorf("desktop notify invalid response: %q", strings.TrimSpace(string(out)))
	}

	value, parseErr := strconv.ParseUint(fields[1], 10, 32)
	if parseErr != nil {
		return 0, fmt.Errorf("desktop notify parse id %q: %w", fields[1], parseErr)
	}
	return uint32(value), nil
}
