// Package fsm defines the recording session lifecycle state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateRecording   State = "recording"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
)

const (
	EventConfigure Event = "configure"
	EventStart     Event = "start"
	EventPause     Event = "pause"
	EventResume    Event = "resume"
	EventStop      Event = "stop"
)

// Transition returns the next state for one event, or an error when the edge
// does not exist. StateCompleted is terminal.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventConfigure:
			return StateConfiguring, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConfiguring:
		switch event {
		case EventConfigure:
			return StateConfiguring, nil
		case EventStart:
			return StateRecording, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRecording:
		switch event {
		case EventPause:
			return StatePaused, nil
		case EventStop:
			return StateCompleted, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StatePaused:
		switch event {
		case EventResume:
			return StateRecording, nil
		case EventStop:
			return StateCompleted, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCompleted:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
