package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/escriba-app/escriba/internal/fsm"
	"github.com/escriba-app/escriba/internal/ipc"
)

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.ctrl.Configure("p1", "mic1", ""))
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	f.appendFinal(t, "queixa principal")

	resp := f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateRecording), resp.State)
	require.Equal(t, "sess-1", resp.SessionID)
	require.Equal(t, "p1", resp.PatientID)
	require.Equal(t, len("queixa principal"), resp.TranscriptBytes)
}

func TestHandlePauseResumeStop(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.ctrl.Configure("p1", "mic1", ""))
	require.NoError(t, f.ctrl.Start(context.Background()))

	resp := f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandPause})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StatePaused), resp.State)
	require.Equal(t, OriginManual, f.ctrl.Snapshot().PauseOrigin)

	resp = f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandResume})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateRecording), resp.State)

	resp = f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateCompleted), resp.State)
}

func TestHandleStopFailureThenSave(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.ctrl.Configure("p1", "mic1", ""))
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.gateway.failUpdates = 1
	resp := f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)

	resp = f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandSave})
	require.True(t, resp.OK)

	select {
	case <-f.ctrl.Done():
	default:
		t.Fatal("done channel not closed after save command")
	}
}

func TestHandleRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandPause})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "invalid transition")
}

func TestHandleUnknownCommand(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.ctrl.Handle(context.Background(), ipc.Request{Command: "reboot"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}
