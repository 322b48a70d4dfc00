// Package ipc carries session commands over a single-owner unix socket.
package ipc

// Command identifies one session control operation.
type Command string

// Commands accepted by the session owner. Hide and Show are visibility edges
// forwarded by the desktop shell rather than operator commands.
const (
	CommandStatus Command = "status"
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	CommandSave   Command = "save"
	CommandHide   Command = "hide"
	CommandShow   Command = "show"
)

// Request is one command addressed to the session owner.
type Request struct {
	Command Command `json:"command"`
}

// Response carries the owner's session view back to the caller. The session
// fields are populated on status; mutating commands report State plus a
// human-readable Message or Error.
type Response struct {
	OK              bool   `json:"ok"`
	State           string `json:"state,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	PatientID       string `json:"patientId,omitempty"`
	ElapsedSeconds  int64  `json:"elapsedSeconds,omitempty"`
	TranscriptBytes int    `json:"transcriptBytes,omitempty"`
	Message         string `json:"message,omitempty"`
	Error           string `json:"error,omitempty"`
}
