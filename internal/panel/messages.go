package panel

import "github.com/loqalabs/loqa-copilot/internal/protocol"

// EventMsg wraps an event pushed by copilotd.
type EventMsg struct {
	Event protocol.Event
}

// StreamClosedMsg is sent when the event stream from copilotd ends.
type StreamClosedMsg struct{}

// StartResponseMsg carries the outcome of a START_CAPTURE request. Retry is
// set when the request was re-sent after a CAPTURE_ERROR.
type StartResponseMsg struct {
	Response protocol.Response
	Err      error
	Retry    bool
}

type StopResponseMsg struct {
	Response protocol.Response
	Err      error
}

type StatusResponseMsg struct {
	Response protocol.Response
	Err      error
}

type HistoryResponseMsg struct {
	Response protocol.Response
	Err      error
}

// RetryTickMsg fires when a capture retry is due.
type RetryTickMsg struct{}
