// Package engine wraps a continuous streaming speech-recognition capability
// behind start/stop and a normalized result stream.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config controls stream initialization and recognition behavior.
type Config struct {
	// Endpoint is the recognition service base URL (http(s) or ws(s)).
	Endpoint string
	// APIKey authenticates against the recognition service when non-empty.
	APIKey string
	// Language is the fixed language tag the session is bound to.
	Language string
	// Model selects the provider recognition model.
	Model string
	// SampleRate and Channels describe the PCM audio sent over the stream.
	SampleRate int
	Channels   int
	// MaxRestarts bounds consecutive transparent restarts after the provider
	// terminates the stream on its own (silence timeout, rotation).
	MaxRestarts int
	// DialTimeout bounds each websocket dial attempt.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "pt-BR"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	return c
}

// Recognizer owns one continuous recognition stream. Stop flips the
// desired-running flag synchronously before tearing the connection down, so a
// provider close racing an owner stop never triggers a spurious restart.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	loops  sync.WaitGroup

	mu       sync.Mutex
	desired  bool
	conn     *websocket.Conn
	gen      int
	restarts int
	closed   bool
}

// New constructs a recognizer. Events is not live until Start succeeds.
func New(cfg Config, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recognizer{
		cfg:    cfg.withDefaults(),
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the normalized result stream. It is closed by Close.
func (r *Recognizer) Events() <-chan Event {
	return r.events
}

// Start marks the recognizer as desired-running and opens the stream.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("recognizer is closed")
	}
	if r.desired {
		r.mu.Unlock()
		return errors.New("recognizer already started")
	}
	r.desired = true
	r.restarts = 0
	r.mu.Unlock()

	if err := r.connect(); err != nil {
		r.mu.Lock()
		r.desired = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// Stop clears the desired-running flag and closes the active stream. A
// subsequent provider-side close event must not trigger a restart, so the
// flag flips before the connection is touched.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.desired = false
	conn := r.conn
	r.conn = nil
	r.gen++
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	// Best-effort end-of-stream marker before closing.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	return conn.Close()
}

// Close stops the stream and closes the event channel. The recognizer cannot
// be restarted afterwards. The event channel closes only after every read
// loop has exited, so no emit can race the close.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.Stop()
	close(r.done)
	r.loops.Wait()
	close(r.events)
	return err
}

// SendAudio forwards one PCM chunk. Chunks arriving during a restart gap are
// dropped.
func (r *Recognizer) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	r.mu.Lock()
	conn := r.conn
	desired := r.desired
	r.mu.Unlock()

	if !desired {
		return errors.New("recognizer is not running")
	}
	if conn == nil {
		r.logger.Debug("dropping audio chunk during stream restart", "bytes", len(chunk))
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// connect dials a new stream and hands it to a fresh read loop generation.
func (r *Recognizer) connect() error {
	wsURL, err := listenURL(r.cfg)
	if err != nil {
		return err
	}

	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+r.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.DialTimeout}
	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("dial recognition stream: %w", err)
	}

	r.mu.Lock()
	if !r.desired || r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return errors.New("recognizer stopped during connect")
	}
	r.conn = conn
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	r.loops.Add(1)
	go r.readLoop(conn, gen)
	return nil
}

// readLoop receives provider messages until the stream ends, then decides
// between silent restart, surfaced error, and giving up.
func (r *Recognizer) readLoop(conn *websocket.Conn, gen int) {
	defer r.loops.Done()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			r.onStreamEnd(gen, err)
			return
		}

		var resp providerResponse
		if jsonErr := json.Unmarshal(payload, &resp); jsonErr != nil {
			continue
		}

		if strings.EqualFold(resp.Type, "Error") {
			code := normalizeCode(resp.Code)
			if !Transient(code) {
				r.emit(Event{Kind: KindError, Code: code, Err: errors.New(providerMessage(resp))})
			}
			continue
		}

		text := resp.transcript()
		if text == "" {
			continue
		}
		r.noteProgress(gen)
		if resp.IsFinal || resp.SpeechFinal {
			r.emit(Event{Kind: KindFinal, Text: text})
		} else {
			r.emit(Event{Kind: KindInterim, Text: text})
		}
	}
}

// onStreamEnd classifies a terminated stream and restarts it when the owner
// still wants it running.
func (r *Recognizer) onStreamEnd(gen int, cause error) {
	r.mu.Lock()
	if gen != r.gen || !r.desired || r.closed {
		// Owner-initiated stop or an already superseded generation.
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.restarts++
	restarts := r.restarts
	r.mu.Unlock()

	code := classifyClose(cause)
	if !Transient(code) {
		r.emit(Event{Kind: KindError, Code: code, Err: cause})
	} else {
		r.logger.Debug("recognition stream ended", "code", code, "restarts", restarts)
	}

	if restarts > r.cfg.MaxRestarts {
		r.logger.Warn("recognition stream restart budget exhausted", "restarts", restarts)
		r.emit(Event{Kind: KindEnd, Code: code, Err: cause})
		return
	}

	if err := r.connect(); err != nil {
		r.logger.Warn("recognition stream restart failed", "error", err.Error())
		r.emit(Event{Kind: KindEnd, Code: CodeNetwork, Err: err})
	}
}

// noteProgress resets the consecutive-restart budget once a live stream
// produces results again.
func (r *Recognizer) noteProgress(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.restarts = 0
	}
}

// emit delivers one event unless the recognizer is being torn down.
func (r *Recognizer) emit(event Event) {
	select {
	case r.events <- event:
	case <-r.done:
	}
}

// classifyClose maps stream termination causes to normalized error codes.
func classifyClose(err error) string {
	if err == nil {
		return CodeNoSpeech
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		// The provider closes idle streams after silence; that is routine.
		return CodeNoSpeech
	}
	return CodeNetwork
}

// normalizeCode maps provider error codes onto the adapter taxonomy.
func normalizeCode(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no-speech", "no_speech", "silence":
		return CodeNoSpeech
	case "audio-capture", "audio_capture", "bad-audio":
		return CodeAudioCapture
	case "not-allowed", "not_allowed", "unauthorized", "forbidden":
		return CodeNotAllowed
	default:
		return CodeNetwork
	}
}

// providerMessage extracts a human-readable error description.
func providerMessage(resp providerResponse) string {
	if msg := strings.TrimSpace(resp.Message); msg != "" {
		return msg
	}
	return "recognition service returned an unknown error"
}

// providerResponse is the wire shape of provider result/error messages.
type providerResponse struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// transcript returns the top alternative text, trimmed.
func (r providerResponse) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

// listenURL builds the websocket listen endpoint with stream parameters.
func listenURL(cfg Config) (string, error) {
	base := strings.TrimSpace(cfg.Endpoint)
	if base == "" {
		return "", errors.New("recognition endpoint is empty")
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listen, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid recognition endpoint: %w", err)
	}

	query := listen.Query()
	query.Set("language", cfg.Language)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	query.Set("interim_results", "true")
	if cfg.Model != "" {
		query.Set("model", cfg.Model)
	}
	listen.RawQuery = query.Encode()
	return listen.String(), nil
}
