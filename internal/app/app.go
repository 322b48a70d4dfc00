// Package app wires configuration, logging, IPC, and the session controller
// into the escriba command surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/escriba-app/escriba/internal/capture"
	"github.com/escriba-app/escriba/internal/cli"
	"github.com/escriba-app/escriba/internal/config"
	"github.com/escriba-app/escriba/internal/engine"
	"github.com/escriba-app/escriba/internal/ipc"
	"github.com/escriba-app/escriba/internal/logging"
	"github.com/escriba-app/escriba/internal/notify"
	"github.com/escriba-app/escriba/internal/probe"
	"github.com/escriba-app/escriba/internal/session"
	"github.com/escriba-app/escriba/internal/store"
	"github.com/escriba-app/escriba/internal/version"
	"github.com/escriba-app/escriba/internal/visibility"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("escriba"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("escriba"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, warning := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", warning)
		logger.Warn("config warning", "message", warning)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := probe.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandPause:
		return r.forwardOrFail(ctx, ipc.CommandPause)
	case cli.CommandResume:
		return r.forwardOrFail(ctx, ipc.CommandResume)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.CommandStop)
	case cli.CommandSave:
		return r.forwardOrFail(ctx, ipc.CommandSave)
	case cli.CommandRecord:
		return r.commandRecord(ctx, parsed, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := capture.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio input devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStatus)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintln(r.Stdout, resp.State)
		if resp.SessionID != "" {
			fmt.Fprintf(r.Stdout, "session=%s patient=%s elapsed=%ds transcript=%dB\n",
				resp.SessionID, resp.PatientID, resp.ElapsedSeconds, resp.TranscriptBytes)
		}
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command ipc.Command) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintln(r.Stderr, "error: no active escriba session")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandRecord runs the owner process: it holds the runtime socket, owns the
// microphone and the recognition stream, and serves control commands until
// the session is completed and saved.
func (r Runner) commandRecord(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: a recording session is already running")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	controller := buildController(cfg, logger)
	controller.SetInterimSink(func(text string) {
		fmt.Fprintf(r.Stdout, "\r~ %s", text)
	})

	deviceID := parsed.DeviceID
	if deviceID == "" {
		deviceID = cfg.Audio.Input
	}

	if err := controller.Configure(parsed.PatientID, deviceID, parsed.Title); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if err := controller.Start(ctx); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer controller.Close()

	monitor := visibility.NewMonitor(time.Duration(cfg.Visibility.DebounceMS) * time.Millisecond)
	monitor.Subscribe(controller)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, visibilityAwareHandler(controller, monitor))
	}()

	snap := controller.Snapshot()
	fmt.Fprintf(r.Stdout, "recording session %s for patient %s (device %s)\n",
		snap.SessionID, snap.PatientID, deviceID)

	exitCode := 0
	select {
	case <-controller.Done():
	case <-ctx.Done():
		// Interrupt: finalize and persist before exiting.
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := controller.Stop(stopCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			exitCode = 1
		}
	}

	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	final := controller.Snapshot()
	logger.Info("record command finished",
		"session_id", final.SessionID,
		"state", string(final.State),
		"elapsed_seconds", int64(final.Elapsed.Seconds()),
		"transcript_bytes", final.TranscriptBytes,
	)
	if exitCode == 0 {
		fmt.Fprintf(r.Stdout, "\nsession %s completed (%ds recorded)\n",
			final.SessionID, int64(final.Elapsed.Seconds()))
	}
	return exitCode
}

// buildController assembles the controller from configuration: gateway
// client, recognition adapter factory, capture factory, and the notification
// backend.
func buildController(cfg config.Config, logger *slog.Logger) *session.Controller {
	gateway := store.New(cfg.Gateway.BaseURL, cfg.Gateway.AuthToken, &http.Client{Timeout: 10 * time.Second}, logger)

	retryPolicy := func(attempts int) store.RetryPolicy {
		return store.RetryPolicy{
			MaxAttempts: attempts,
			BaseDelay:   time.Duration(cfg.Gateway.RetryBaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Gateway.RetryMaxMS) * time.Millisecond,
		}
	}

	newEngine := func() session.Engine {
		return engine.New(engine.Config{
			Endpoint:    cfg.Speech.Endpoint,
			APIKey:      cfg.Speech.APIKey,
			Language:    cfg.Speech.Language,
			Model:       cfg.Speech.Model,
			MaxRestarts: cfg.Speech.MaxRestarts,
		}, logger)
	}

	newCapture := func(ctx context.Context, deviceID string) (session.Capture, error) {
		return capture.Acquire(ctx, deviceID)
	}

	return session.NewController(
		logger,
		gateway,
		buildNotifier(cfg.Notify, logger),
		newCapture,
		newEngine,
		session.Config{
			AutosaveInterval: cfg.Gateway.AutosaveInterval(),
			AutosaveRetry:    retryPolicy(cfg.Gateway.AutosaveAttempts),
			UpdateRetry:      retryPolicy(cfg.Gateway.UpdateAttempts),
			FinalSaveRetry:   retryPolicy(cfg.Gateway.FinalSaveAttempts),
			OperatorID:       cfg.Operator.UserID,
		},
	)
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) notify.Notifier {
	if !cfg.Enable {
		return notify.Noop{}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "log":
		return notify.Log{Logger: logger}
	default:
		return notify.NewDesktop(cfg.DesktopAppName, logger)
	}
}

// visibilityAwareHandler routes hide/show surface reports into the visibility
// monitor and everything else into the controller.
func visibilityAwareHandler(controller *session.Controller, monitor *visibility.Monitor) ipc.Handler {
	return ipc.HandlerFunc(func(ctx context.Context, req ipc.Request) ipc.Response {
		switch req.Command {
		case ipc.CommandHide:
			monitor.Set(false)
			return ipc.Response{OK: true, State: string(controller.State()), Message: "surface hidden"}
		case ipc.CommandShow:
			monitor.Set(true)
			return ipc.Response{OK: true, State: string(controller.State()), Message: "surface visible"}
		default:
			return controller.Handle(ctx, req)
		}
	})
}

func tryForward(ctx context.Context, socketPath string, command ipc.Command) (ipc.Response, bool, error) {
	resp, err := ipc.Call(ctx, socketPath, command, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) || isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
