package engine

// Kind tags one normalized recognition event.
type Kind string

const (
	KindInterim Kind = "interim"
	KindFinal   Kind = "final"
	KindError   Kind = "error"
	KindEnd     Kind = "end"
)

// Error codes reported on KindError/KindEnd events.
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
)

// Event is the tagged union emitted by the recognizer. The session controller
// never inspects raw provider payloads; everything is normalized here.
type Event struct {
	Kind Kind
	Text string
	Code string
	Err  error
}

// Transient reports whether an error code is benign and recoverable in place.
func Transient(code string) bool {
	return code == CodeNoSpeech
}
