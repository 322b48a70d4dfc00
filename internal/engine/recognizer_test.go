package engine

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// recognitionStub plays a scripted provider: each accepted connection sends
// the configured frames and then closes normally.
type recognitionStub struct {
	t      *testing.T
	frames []string
	conns  atomic.Int32
	hold   chan struct{} // when non-nil, connections stay open after frames
}

func (s *recognitionStub) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.conns.Add(1)

	for _, frame := range s.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}

	if s.hold != nil {
		<-s.hold
		return
	}
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
}

func collectEvents(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events: %+v", len(out), n, out)
		}
	}
	return out
}

func TestRecognizerNormalizesInterimAndFinal(t *testing.T) {
	stub := &recognitionStub{
		t: t,
		frames: []string{
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"paciente re"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"paciente refere dor"}]}}`,
		},
		hold: make(chan struct{}),
	}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()
	defer close(stub.hold)

	r := New(Config{Endpoint: server.URL}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	events := collectEvents(t, r.Events(), 2)
	require.Equal(t, KindInterim, events[0].Kind)
	require.Equal(t, "paciente re", events[0].Text)
	require.Equal(t, KindFinal, events[1].Kind)
	require.Equal(t, "paciente refere dor", events[1].Text)
}

func TestRecognizerRestartsTransparentlyOnSilenceClose(t *testing.T) {
	stub := &recognitionStub{
		t: t,
		frames: []string{
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"um"}]}}`,
		},
	}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	r := New(Config{Endpoint: server.URL, MaxRestarts: 10}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	// Every scripted connection closes normally, so the adapter keeps
	// reconnecting and keeps yielding finals with no error events between.
	events := collectEvents(t, r.Events(), 3)
	for _, ev := range events {
		require.Equal(t, KindFinal, ev.Kind)
		require.Equal(t, "um", ev.Text)
	}
	require.GreaterOrEqual(t, stub.conns.Load(), int32(3))
}

func TestRecognizerStopSuppressesRestart(t *testing.T) {
	stub := &recognitionStub{t: t, hold: make(chan struct{})}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()
	defer close(stub.hold)

	r := New(Config{Endpoint: server.URL}, nil)
	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())

	// The owner stopped the stream; the provider-side close that follows
	// must not open a new connection.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), stub.conns.Load())

	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event after stop: %+v", ev)
	default:
	}
	require.NoError(t, r.Close())
}

func TestRecognizerCloseDuringLiveResultFlood(t *testing.T) {
	// The provider keeps results flowing full-rate while the owner closes;
	// the read loop must never deliver into a closed event channel.
	frame := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"fluxo continuo"}]}}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	for i := 0; i < 30; i++ {
		r := New(Config{Endpoint: server.URL}, nil)
		require.NoError(t, r.Start())

		ev := <-r.Events()
		require.Equal(t, KindFinal, ev.Kind)

		require.NoError(t, r.Close())
		for range r.Events() {
		}
	}
}

func TestRecognizerSurfacesNonTransientProviderErrors(t *testing.T) {
	stub := &recognitionStub{
		t: t,
		frames: []string{
			`{"type":"Error","code":"network","message":"upstream unavailable"}`,
		},
		hold: make(chan struct{}),
	}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()
	defer close(stub.hold)

	r := New(Config{Endpoint: server.URL}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	events := collectEvents(t, r.Events(), 1)
	require.Equal(t, KindError, events[0].Kind)
	require.Equal(t, CodeNetwork, events[0].Code)
	require.ErrorContains(t, events[0].Err, "upstream unavailable")
}

func TestRecognizerSwallowsNoSpeechProviderErrors(t *testing.T) {
	stub := &recognitionStub{
		t: t,
		frames: []string{
			`{"type":"Error","code":"no-speech","message":"silence timeout"}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"depois"}]}}`,
		},
		hold: make(chan struct{}),
	}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()
	defer close(stub.hold)

	r := New(Config{Endpoint: server.URL}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	events := collectEvents(t, r.Events(), 1)
	require.Equal(t, KindFinal, events[0].Kind)
	require.Equal(t, "depois", events[0].Text)
}

func TestRecognizerGivesUpAfterRestartBudget(t *testing.T) {
	stub := &recognitionStub{t: t}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	r := New(Config{Endpoint: server.URL, MaxRestarts: 2}, nil)
	require.NoError(t, r.Start())
	defer r.Close()

	// Connections produce no results, so the consecutive-restart budget is
	// never reset and eventually runs out.
	events := collectEvents(t, r.Events(), 1)
	require.Equal(t, KindEnd, events[0].Kind)
}

func TestRecognizerStartFailsOnUnreachableEndpoint(t *testing.T) {
	r := New(Config{Endpoint: "http://127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	require.Error(t, r.Start())
	require.NoError(t, r.Close())
}

func TestSendAudioRequiresRunningRecognizer(t *testing.T) {
	r := New(Config{Endpoint: "http://example.invalid"}, nil)
	require.Error(t, r.SendAudio([]byte{1, 2}))
	require.NoError(t, r.SendAudio(nil))
}

func TestListenURL(t *testing.T) {
	got, err := listenURL(Config{
		Endpoint:   "https://stt.example.com/v1",
		Language:   "pt-BR",
		SampleRate: 16000,
		Channels:   1,
		Model:      "clinical",
	})
	require.NoError(t, err)
	require.Contains(t, got, "wss://stt.example.com/v1/listen?")
	require.Contains(t, got, "language=pt-BR")
	require.Contains(t, got, "sample_rate=16000")
	require.Contains(t, got, "interim_results=true")
	require.Contains(t, got, "model=clinical")

	_, err = listenURL(Config{})
	require.Error(t, err)
}

func TestClassifyClose(t *testing.T) {
	require.Equal(t, CodeNoSpeech, classifyClose(nil))
	require.Equal(t, CodeNoSpeech, classifyClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	require.Equal(t, CodeNoSpeech, classifyClose(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	require.Equal(t, CodeNetwork, classifyClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, CodeNoSpeech, normalizeCode("no-speech"))
	require.Equal(t, CodeNoSpeech, normalizeCode("Silence"))
	require.Equal(t, CodeAudioCapture, normalizeCode("audio_capture"))
	require.Equal(t, CodeNotAllowed, normalizeCode("unauthorized"))
	require.Equal(t, CodeNetwork, normalizeCode("weird"))
}
