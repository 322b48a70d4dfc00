// Package session coordinates the consultation recording lifecycle: state,
// capture and recognition ownership, timing, and persistence.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/escriba-app/escriba/internal/capture"
	"github.com/escriba-app/escriba/internal/engine"
	"github.com/escriba-app/escriba/internal/fsm"
	"github.com/escriba-app/escriba/internal/notify"
	"github.com/escriba-app/escriba/internal/stopwatch"
	"github.com/escriba-app/escriba/internal/store"
	"github.com/escriba-app/escriba/internal/transcript"
)

// Origin records why a pause happened. A manual pause is sticky: visibility
// edges never auto-resume it.
type Origin string

const (
	OriginManual     Origin = "manual"
	OriginVisibility Origin = "visibility"
)

// Gateway is the session-facing subset of the persistence client.
type Gateway interface {
	CreateSession(ctx context.Context, draft store.Draft, policy store.RetryPolicy) (string, error)
	UpdateSession(ctx context.Context, id string, patch store.Patch, policy store.RetryPolicy) error
}

// Engine is the session-facing subset of the recognition adapter.
type Engine interface {
	Start() error
	Stop() error
	Close() error
	SendAudio(chunk []byte) error
	Events() <-chan engine.Event
}

// Capture is the session-facing subset of the audio capture handle.
type Capture interface {
	Chunks() <-chan []byte
	Pause()
	Resume() error
	Release() error
	Device() capture.Device
	BytesCaptured() int64
}

// CaptureFactory acquires the exclusive capture handle for one session.
type CaptureFactory func(ctx context.Context, deviceID string) (Capture, error)

// EngineFactory constructs the recognition adapter owned by one session.
type EngineFactory func() Engine

// Config tunes controller persistence cadence and retry budgets.
type Config struct {
	AutosaveInterval time.Duration
	AutosaveRetry    store.RetryPolicy
	UpdateRetry      store.RetryPolicy
	FinalSaveRetry   store.RetryPolicy
	OperatorID       string
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 30 * time.Second
	}
	if c.AutosaveRetry.MaxAttempts <= 0 {
		c.AutosaveRetry = store.RetryPolicy{MaxAttempts: 1}
	}
	if c.UpdateRetry.MaxAttempts <= 0 {
		c.UpdateRetry = store.RetryPolicy{MaxAttempts: 2}
	}
	if c.FinalSaveRetry.MaxAttempts <= 0 {
		c.FinalSaveRetry = store.RetryPolicy{MaxAttempts: 5}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot is a read-only view of the session for status reporting.
type Snapshot struct {
	State           fsm.State
	SessionID       string
	PatientID       string
	Title           string
	StartedAt       time.Time
	EndedAt         time.Time
	Elapsed         time.Duration
	TranscriptBytes int
	PauseOrigin     Origin
}

// Controller owns one recording session end to end. State-mutating operations
// (Configure, Start, Pause, Resume, Stop) are serialized behind a single
// operation lock; each mutates both local state and the remote record.
type Controller struct {
	logger     *slog.Logger
	cfg        Config
	gateway    Gateway
	notifier   notify.Notifier
	newCapture CaptureFactory
	newEngine  EngineFactory
	onInterim  func(string)

	opMu sync.Mutex

	mu          sync.RWMutex
	state       fsm.State
	id          string
	patientID   string
	deviceID    string
	title       string
	startedAt   time.Time
	endedAt     time.Time
	pauseOrigin Origin
	acc         *transcript.Accumulator
	watch       *stopwatch.Stopwatch
	capture     Capture
	engine      Engine
	pendingSave *store.Patch

	autosaveStop chan struct{}
	consumeDone  chan struct{}
	pumpDone     chan struct{}
	done         chan struct{}
	doneOnce     sync.Once
	closed       bool
}

// NewController constructs a session controller with safe default fallbacks.
func NewController(
	logger *slog.Logger,
	gateway Gateway,
	notifier notify.Notifier,
	newCapture CaptureFactory,
	newEngine EngineFactory,
	cfg Config,
) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	cfg = cfg.withDefaults()

	return &Controller{
		logger:     logger,
		cfg:        cfg,
		gateway:    gateway,
		notifier:   notifier,
		newCapture: newCapture,
		newEngine:  newEngine,
		state:      fsm.StateIdle,
		acc:        transcript.NewAccumulator(),
		watch:      stopwatch.New(cfg.Now),
		done:       make(chan struct{}),
	}
}

// SetInterimSink registers a transient display callback for interim results.
// Interim text is never persisted. Safe to call while events are flowing.
func (c *Controller) SetInterimSink(sink func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInterim = sink
}

// State returns the current lifecycle state.
func (c *Controller) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the session is completed and durably saved.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns a consistent view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:           c.state,
		SessionID:       c.id,
		PatientID:       c.patientID,
		Title:           c.title,
		StartedAt:       c.startedAt,
		EndedAt:         c.endedAt,
		Elapsed:         c.watch.Elapsed(),
		TranscriptBytes: c.acc.Len(),
		PauseOrigin:     c.pauseOrigin,
	}
}

// Transcript returns the committed transcript text.
func (c *Controller) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acc.Text()
}

// transition applies one lifecycle event under the data lock.
func (c *Controller) transition(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// Configure validates and records the session draft. Nothing is persisted
// until Start. Reconfiguring before Start replaces the draft; the title is
// derived from the patient reference when left empty.
func (c *Controller) Configure(patientID, deviceID, title string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if patientID == "" {
		return &ValidationError{Field: "patientId", Reason: "must not be empty"}
	}
	if deviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "must not be empty"}
	}

	if err := c.transition(fsm.EventConfigure); err != nil {
		return err
	}

	if title == "" {
		title = fmt.Sprintf("Consulta %s %s", patientID, c.cfg.Now().Format("2006-01-02 15:04"))
	}

	c.mu.Lock()
	c.patientID = patientID
	c.deviceID = deviceID
	c.title = title
	c.mu.Unlock()
	return nil
}

// Start acquires the capture handle, opens the recognition stream, creates
// the remote record, and begins timing. On any failure the session stays in
// Configuring and nothing keeps running.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	state := c.state
	deviceID := c.deviceID
	patientID := c.patientID
	title := c.title
	c.mu.RUnlock()

	if _, err := fsm.Transition(state, fsm.EventStart); err != nil {
		return err
	}

	handle, err := c.newCapture(ctx, deviceID)
	if err != nil {
		devErr := &DeviceError{Op: "start", Err: err}
		c.notifier.Error(ctx, "Unable to access the microphone")
		return devErr
	}

	eng := c.newEngine()
	if err := eng.Start(); err != nil {
		_ = handle.Release()
		c.notifier.Error(ctx, "Unable to start speech recognition")
		return fmt.Errorf("start recognition stream: %w", err)
	}

	startedAt := c.cfg.Now()
	id, err := c.gateway.CreateSession(ctx, store.Draft{
		PatientID:  patientID,
		OperatorID: c.cfg.OperatorID,
		Title:      title,
		Status:     store.StatusRecording,
		StartedAt:  startedAt,
	}, c.cfg.UpdateRetry)
	if err != nil {
		_ = eng.Close()
		_ = handle.Release()
		c.notifier.Error(ctx, "Unable to create the session record")
		return &PersistenceError{Op: "create", Err: err}
	}

	if err := c.transition(fsm.EventStart); err != nil {
		_ = eng.Close()
		_ = handle.Release()
		return err
	}

	c.mu.Lock()
	c.id = id
	c.startedAt = startedAt
	c.capture = handle
	c.engine = eng
	c.autosaveStop = make(chan struct{})
	c.consumeDone = make(chan struct{})
	c.pumpDone = make(chan struct{})
	c.mu.Unlock()

	c.watch.Start()
	go c.pump(handle, eng)
	go c.consumeEvents(eng.Events())
	go c.autosaveLoop()

	c.logger.Info("session started",
		"session_id", id,
		"patient_id", patientID,
		"device", handle.Device().ID,
	)
	c.notifier.Info(ctx, "Recording started")
	return nil
}

// Pause suspends recognition and timing without giving up the microphone.
// Pausing an already paused session is a no-op.
func (c *Controller) Pause(ctx context.Context, origin Origin) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	state := c.state
	eng := c.engine
	handle := c.capture
	c.mu.RUnlock()

	if state == fsm.StatePaused {
		return nil
	}
	if _, err := fsm.Transition(state, fsm.EventPause); err != nil {
		return err
	}

	// The desired-running flag must flip before the provider observes the
	// close, so a same-instant provider end event cannot trigger a restart.
	if eng != nil {
		_ = eng.Stop()
	}
	if handle != nil {
		handle.Pause()
	}
	c.watch.Pause()

	if err := c.transition(fsm.EventPause); err != nil {
		return err
	}
	c.mu.Lock()
	c.pauseOrigin = origin
	c.mu.Unlock()

	c.updateRemote(ctx, store.Patch{
		Status:         store.StringPtr(store.StatusPaused),
		Transcript:     store.StringPtr(c.Transcript()),
		ElapsedSeconds: store.Int64Ptr(c.elapsedSeconds()),
	}, "pause")

	c.logger.Info("session paused", "origin", string(origin))
	if origin == OriginManual {
		c.notifier.Info(ctx, "Recording paused")
	}
	return nil
}

// Resume restarts recognition and timing. A visibility-originated resume only
// applies when the pause was visibility-originated; a manual pause is sticky.
// On device failure the session stays in Paused.
func (c *Controller) Resume(ctx context.Context, origin Origin) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	state := c.state
	pauseOrigin := c.pauseOrigin
	eng := c.engine
	handle := c.capture
	c.mu.RUnlock()

	if _, err := fsm.Transition(state, fsm.EventResume); err != nil {
		return err
	}
	if origin == OriginVisibility && pauseOrigin != OriginVisibility {
		return nil
	}

	if handle != nil {
		if err := handle.Resume(); err != nil {
			devErr := &DeviceError{Op: "resume", Err: err}
			c.notifier.Error(ctx, "Unable to resume the microphone; check the device and try again")
			return devErr
		}
	}
	if eng != nil {
		if err := eng.Start(); err != nil {
			if handle != nil {
				handle.Pause()
			}
			devErr := &DeviceError{Op: "resume", Err: err}
			c.notifier.Error(ctx, "Unable to resume speech recognition; try again")
			return devErr
		}
	}

	if err := c.transition(fsm.EventResume); err != nil {
		return err
	}
	c.mu.Lock()
	c.pauseOrigin = ""
	c.mu.Unlock()
	c.watch.Start()

	c.updateRemote(ctx, store.Patch{
		Status: store.StringPtr(store.StatusRecording),
	}, "resume")

	c.logger.Info("session resumed", "origin", string(origin))
	if origin == OriginManual {
		c.notifier.Info(ctx, "Recording resumed")
	}
	return nil
}

// Stop finalizes the session: tears down recognition and capture, freezes the
// timer, and writes the completed record. The final write is the single point
// where transcript loss is unacceptable, so it runs under the aggressive
// retry policy and failures stay retryable via RetryFinalSave.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if _, err := fsm.Transition(state, fsm.EventStop); err != nil {
		return err
	}

	// Teardown closes the event channel; the drain runs before the state
	// transition so finals already emitted while recording still commit.
	c.teardownPipeline()
	c.drainPipeline()
	c.watch.Pause()

	endedAt := c.cfg.Now()
	if err := c.transition(fsm.EventStop); err != nil {
		return err
	}

	c.mu.Lock()
	c.endedAt = endedAt
	id := c.id
	c.mu.Unlock()

	patch := store.Patch{
		Status:         store.StringPtr(store.StatusCompleted),
		Transcript:     store.StringPtr(c.Transcript()),
		EndedAt:        store.TimePtr(endedAt),
		ElapsedSeconds: store.Int64Ptr(c.elapsedSeconds()),
	}

	if err := c.gateway.UpdateSession(ctx, id, patch, c.cfg.FinalSaveRetry); err != nil {
		c.mu.Lock()
		c.pendingSave = &patch
		c.mu.Unlock()
		c.logger.Error("final save failed", "session_id", id, "error", err.Error())
		c.notifier.Error(ctx, "Saving the consultation failed; the transcript is kept in memory, retry the save")
		return &PersistenceError{Op: "final save", Err: err}
	}

	c.logger.Info("session completed",
		"session_id", id,
		"elapsed_seconds", c.elapsedSeconds(),
		"transcript_bytes", c.acc.Len(),
	)
	c.notifier.Info(ctx, "Consultation saved")
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// RetryFinalSave retries a failed final write. It is a no-op when the final
// save already succeeded.
func (c *Controller) RetryFinalSave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	pending := c.pendingSave
	id := c.id
	c.mu.RUnlock()

	if pending == nil {
		return nil
	}

	if err := c.gateway.UpdateSession(ctx, id, *pending, c.cfg.FinalSaveRetry); err != nil {
		c.notifier.Error(ctx, "Saving the consultation failed again; retry the save")
		return &PersistenceError{Op: "final save", Err: err}
	}

	c.mu.Lock()
	c.pendingSave = nil
	c.mu.Unlock()
	c.notifier.Info(ctx, "Consultation saved")
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// Close releases every owned resource without finalizing the record. It
// covers teardown paths that never reach Stop; the capture handle must be
// released on every exit.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	state := c.state
	c.mu.Unlock()

	if state == fsm.StateRecording || state == fsm.StatePaused {
		c.logger.Warn("session closed without stop; releasing resources", "state", string(state))
	}
	c.teardownPipeline()
	c.drainPipeline()
	c.watch.Pause()
}

// BecameHidden pauses an active recording when the surface goes background.
func (c *Controller) BecameHidden() {
	if c.State() != fsm.StateRecording {
		return
	}
	if err := c.Pause(context.Background(), OriginVisibility); err != nil {
		c.logger.Warn("visibility pause failed", "error", err.Error())
	}
}

// BecameVisible resumes only when the pause itself was visibility-driven.
func (c *Controller) BecameVisible() {
	c.mu.RLock()
	state := c.state
	origin := c.pauseOrigin
	c.mu.RUnlock()

	if state != fsm.StatePaused || origin != OriginVisibility {
		return
	}
	if err := c.Resume(context.Background(), OriginVisibility); err != nil {
		c.logger.Warn("visibility resume failed", "error", err.Error())
	}
}

// teardownPipeline stops the recognition adapter, releases the capture
// handle, and stops the autosave loop. Safe to call more than once.
func (c *Controller) teardownPipeline() {
	c.mu.Lock()
	eng := c.engine
	handle := c.capture
	autosaveStop := c.autosaveStop
	c.engine = nil
	c.capture = nil
	c.autosaveStop = nil
	c.mu.Unlock()

	if eng != nil {
		_ = eng.Stop()
		_ = eng.Close()
	}
	if handle != nil {
		_ = handle.Release()
	}
	if autosaveStop != nil {
		close(autosaveStop)
	}
}

// drainPipeline waits for the pump and event consumer to finish. Teardown
// closes their input channels, so both exit once buffered work is applied.
func (c *Controller) drainPipeline() {
	c.mu.RLock()
	pumpDone := c.pumpDone
	consumeDone := c.consumeDone
	c.mu.RUnlock()

	if pumpDone != nil {
		<-pumpDone
	}
	if consumeDone != nil {
		<-consumeDone
	}
}

// pump forwards captured PCM chunks into the recognition stream.
func (c *Controller) pump(handle Capture, eng Engine) {
	c.mu.RLock()
	done := c.pumpDone
	c.mu.RUnlock()
	defer close(done)

	for chunk := range handle.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		if err := eng.SendAudio(chunk); err != nil {
			c.logger.Debug("audio chunk not delivered", "error", err.Error())
		}
	}
}

// consumeEvents applies recognition results in emission order. Final text is
// committed only while the session is recording; interim text is relayed for
// transient display and never persisted.
func (c *Controller) consumeEvents(events <-chan engine.Event) {
	c.mu.RLock()
	done := c.consumeDone
	c.mu.RUnlock()
	defer close(done)

	for ev := range events {
		switch ev.Kind {
		case engine.KindFinal:
			c.mu.Lock()
			if c.state == fsm.StateRecording {
				c.acc.AppendFinal(ev.Text)
			}
			c.mu.Unlock()
		case engine.KindInterim:
			c.mu.Lock()
			recording := c.state == fsm.StateRecording
			sink := c.onInterim
			if recording {
				c.acc.SetInterim(ev.Text)
			}
			c.mu.Unlock()
			if recording && sink != nil {
				sink(ev.Text)
			}
		case engine.KindError:
			c.logger.Warn("recognition error", "code", ev.Code, "error", errString(ev.Err))
			c.notifier.Warn(context.Background(), "Speech recognition reported a problem ("+ev.Code+"); recording continues")
		case engine.KindEnd:
			c.logger.Warn("recognition stream gave up", "code", ev.Code, "error", errString(ev.Err))
			c.notifier.Warn(context.Background(), "Speech recognition stopped; pause and resume to reconnect")
		}
	}
}

// autosaveLoop flushes the transcript on a fixed cadence while recording. A
// failed flush is logged and retried on the next tick; it never blocks or
// pauses recording.
func (c *Controller) autosaveLoop() {
	c.mu.RLock()
	stop := c.autosaveStop
	c.mu.RUnlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(c.cfg.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.autosave()
		}
	}
}

// autosave performs one best-effort transcript flush.
func (c *Controller) autosave() {
	c.mu.RLock()
	id := c.id
	recording := c.state == fsm.StateRecording
	c.mu.RUnlock()

	if !recording || id == "" {
		return
	}

	err := c.gateway.UpdateSession(context.Background(), id, store.Patch{
		Transcript:     store.StringPtr(c.Transcript()),
		ElapsedSeconds: store.Int64Ptr(c.elapsedSeconds()),
	}, c.cfg.AutosaveRetry)
	if err != nil {
		c.logger.Warn("autosave failed; retrying next tick", "session_id", id, "error", err.Error())
		return
	}
	c.logger.Debug("autosave flushed", "session_id", id, "transcript_bytes", c.acc.Len())
}

// updateRemote applies a best-effort status update. Pause/resume updates are
// diagnostic; only the final save is allowed to bubble.
func (c *Controller) updateRemote(ctx context.Context, patch store.Patch, op string) {
	c.mu.RLock()
	id := c.id
	c.mu.RUnlock()
	if id == "" {
		return
	}
	if err := c.gateway.UpdateSession(ctx, id, patch, c.cfg.UpdateRetry); err != nil {
		c.logger.Warn("remote status update failed", "op", op, "session_id", id, "error", err.Error())
	}
}

// elapsedSeconds reports whole elapsed seconds for persistence.
func (c *Controller) elapsedSeconds() int64 {
	return int64(c.watch.Elapsed() / time.Second)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
