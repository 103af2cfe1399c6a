package session

import "fmt"

type State string

type Event string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateListening State = "listening"
	StateError     State = "error"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

const (
	EventStart   Event = "start"
	EventStarted Event = "started"
	EventFail    Event = "fail"
	EventRecover Event = "recover"
	EventEnd     Event = "end"
	EventStop    Event = "stop"
	EventAbort   Event = "abort"
	EventRelease Event = "release"
)

// Transition returns the capture session state after event. Invalid pairs
// return the current state and an error.
func Transition(current State, event Event) (State, error) {
	if event == EventStop {
		switch current {
		case StateStopping, StateStopped:
			return current, invalidTransition(current, event)
		default:
			return StateStopping, nil
		}
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarting, nil
		}
	case StateStarting:
		switch event {
		case EventStarted:
			return StateListening, nil
		case EventAbort:
			return StateIdle, nil
		case EventFail:
			return StateError, nil
		}
	case StateListening:
		switch event {
		case EventStarted, EventEnd:
			return StateListening, nil
		case EventFail:
			return StateError, nil
		}
	case StateError:
		switch event {
		case EventRecover:
			return StateStarting, nil
		case EventEnd:
			// restart is already scheduled
			return StateError, nil
		}
	case StateStopping:
		switch event {
		case EventRelease:
			return StateStopped, nil
		}
	case StateStopped:
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

// Active reports whether the state holds capture resources.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateListening, StateError:
		return true
	default:
		return false
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
