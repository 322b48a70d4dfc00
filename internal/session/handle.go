package session

import (
	"context"
	"fmt"
	"time"

	"github.com/escriba-app/escriba/internal/ipc"
)

// Handle serves socket commands for the active owner session.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		snap := c.Snapshot()
		return ipc.Response{
			OK:              true,
			State:           string(snap.State),
			SessionID:       snap.SessionID,
			PatientID:       snap.PatientID,
			ElapsedSeconds:  int64(snap.Elapsed / time.Second),
			TranscriptBytes: snap.TranscriptBytes,
		}
	case ipc.CommandPause:
		return c.respond(c.Pause(ctx, OriginManual), "paused")
	case ipc.CommandResume:
		return c.respond(c.Resume(ctx, OriginManual), "resumed")
	case ipc.CommandStop:
		return c.respond(c.Stop(ctx), "stopped and saved")
	case ipc.CommandSave:
		return c.respond(c.RetryFinalSave(ctx), "saved")
	default:
		return ipc.Response{
			OK:    false,
			State: string(c.State()),
			Error: fmt.Sprintf("unknown command: %s", req.Command),
		}
	}
}

// respond maps an operation result onto the socket response shape.
func (c *Controller) respond(err error, message string) ipc.Response {
	state := string(c.State())
	if err != nil {
		return ipc.Response{OK: false, State: state, Error: err.Error()}
	}
	return ipc.Response{OK: true, State: state, Message: message}
}
