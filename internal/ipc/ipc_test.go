package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "escriba.sock")
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, req Request) Response {
		return Response{
			OK:              true,
			State:           "recording",
			SessionID:       "sess-42",
			PatientID:       "p-42",
			ElapsedSeconds:  90,
			TranscriptBytes: 128,
			Message:         "handled " + string(req.Command),
		}
	})
}

func startServer(t *testing.T, listener net.Listener, handler Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, listener, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestCallRoundtrip(t *testing.T) {
	path := socketPath(t)
	listener, err := Acquire(context.Background(), path, 100*time.Millisecond, 0, nil)
	require.NoError(t, err)
	startServer(t, listener, echoHandler())

	resp, err := Call(context.Background(), path, CommandStatus, time.Second)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "recording", resp.State)
	require.Equal(t, "sess-42", resp.SessionID)
	require.Equal(t, "p-42", resp.PatientID)
	require.Equal(t, int64(90), resp.ElapsedSeconds)
	require.Equal(t, 128, resp.TranscriptBytes)
	require.Equal(t, "handled status", resp.Message)
}

func TestCallNoListener(t *testing.T) {
	_, err := Call(context.Background(), socketPath(t), CommandStatus, 100*time.Millisecond)
	require.Error(t, err)
}

func TestProbeReportsLiveness(t *testing.T) {
	path := socketPath(t)

	alive, err := Probe(context.Background(), path, 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, alive)

	listener, err := Acquire(context.Background(), path, 100*time.Millisecond, 0, nil)
	require.NoError(t, err)
	startServer(t, listener, echoHandler())

	alive, err = Probe(context.Background(), path, time.Second)
	require.NoError(t, err)
	require.True(t, alive)
}

func TestAcquireRejectsLiveOwner(t *testing.T) {
	path := socketPath(t)
	listener, err := Acquire(context.Background(), path, 100*time.Millisecond, 0, nil)
	require.NoError(t, err)
	startServer(t, listener, echoHandler())

	_, err = Acquire(context.Background(), path, time.Second, 1, nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireReclaimsStaleSocket(t *testing.T) {
	path := socketPath(t)

	// A socket file with no listener behind it, as a crashed owner leaves.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	rescued := false
	listener, err := Acquire(context.Background(), path, 100*time.Millisecond, 2, func(context.Context) error {
		rescued = true
		return nil
	})
	require.NoError(t, err)
	defer listener.Close()
	require.True(t, rescued)
}

func TestServeAnswersMalformedRequest(t *testing.T) {
	path := socketPath(t)
	listener, err := Acquire(context.Background(), path, 100*time.Millisecond, 0, nil)
	require.NoError(t, err)
	startServer(t, listener, echoHandler())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), `"ok":false`)
}

func TestRuntimeSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	path, err := RuntimeSocketPath()
	require.NoError(t, err)
	require.Equal(t, "/run/user/1000/escriba.sock", path)

	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err = RuntimeSocketPath()
	require.Error(t, err)
}
