package protocol

import "time"

// IntentType names a request sent by a presentation surface.
type IntentType string

const (
	IntentStartCapture IntentType = "START_CAPTURE"
	IntentStopCapture  IntentType = "STOP_CAPTURE"
	IntentCheckStatus  IntentType = "CHECK_STATUS"
	IntentTabAnnounce  IntentType = "TAB_ANNOUNCE"
	IntentTabClosed    IntentType = "TAB_CLOSED"
	IntentGetHistory   IntentType = "GET_HISTORY"
)

// Intent is a user or surface request. An empty TabID means the active tab.
type Intent struct {
	Type      IntentType `json:"type"`
	TabID     string     `json:"tabId,omitempty"`
	URL       string     `json:"url,omitempty"`
	Active    bool       `json:"active,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
}

// ResponseType tags replies so clients can tell them apart from events on a shared stream.
const ResponseType = "RESPONSE"

// Error codes carried on failed responses.
const (
	CodeNoActiveTab      = "no_active_tab"
	CodeAlreadyCapturing = "already_capturing"
	CodeNoSession        = "no_session"
	CodeCaptureFailed    = "capture_failed"
	CodeBadRequest       = "bad_request"
)

// Response answers exactly one Intent.
type Response struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	TabID       string `json:"tabId,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	IsCapturing bool   `json:"isCapturing"`
	Status      string `json:"status,omitempty"`
	History     []QA   `json:"history,omitempty"`
}

// EventType names a controller notification pushed to surfaces.
type EventType string

const (
	EventCaptureStatus EventType = "CAPTURE_STATUS"
	EventCaptureError  EventType = "CAPTURE_ERROR"
	EventSpeechStatus  EventType = "SPEECH_STATUS"
	EventSpeechError   EventType = "SPEECH_ERROR"
	EventTranscript    EventType = "TRANSCRIPT"
	EventShowQA        EventType = "SHOW_QA"
)

const (
	CaptureStarted = "started"
	CaptureStopped = "stopped"
	SpeechActive   = "active"
)

// Event is addressed to the presentation surfaces of one tab.
type Event struct {
	Type      EventType `json:"type"`
	TabID     string    `json:"tabId"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsFinal   bool      `json:"isFinal,omitempty"`
	Data      *QA       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QA is a detected question paired with the answer that was displayed for it.
type QA struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	AskedAt  time.Time `json:"askedAt,omitempty"`
}

func CaptureStatus(tabID, status, message string) Event {
	return Event{Type: EventCaptureStatus, TabID: tabID, Status: status, Message: message}
}

func CaptureError(tabID, message string) Event {
	return Event{Type: EventCaptureError, TabID: tabID, Error: message}
}

func SpeechStatus(tabID string) Event {
	return Event{Type: EventSpeechStatus, TabID: tabID, Status: SpeechActive}
}

func SpeechError(tabID, message string) Event {
	return Event{Type: EventSpeechError, TabID: tabID, Error: message}
}

func Transcript(tabID, text string, final bool) Event {
	return Event{Type: EventTranscript, TabID: tabID, Text: text, IsFinal: final}
}

func ShowQA(tabID string, qa QA) Event {
	return Event{Type: EventShowQA, TabID: tabID, Data: &qa}
}

// AudioFrame carries PCM audio for one tab, published by a capture agent.
type AudioFrame struct {
	TabID      string `json:"tab_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CaptureOpenRequest asks the capture agent owning a tab to start streaming its audio.
type CaptureOpenRequest struct {
	TabID string `json:"tab_id"`
}

type CaptureOpenReply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

const (
	SubjectAudioTabPrefix = "audio.tab"
	SubjectEventPrefix    = "copilot.event"
	SubjectIntent         = "copilot.intent"
)

// AudioSubject is where frames for tabID are published.
func AudioSubject(tabID string) string { return SubjectAudioTabPrefix + "." + tabID }

// OpenSubject is the request/reply subject that acquires tabID's audio.
func OpenSubject(tabID string) string { return AudioSubject(tabID) + ".open" }

// CloseSubject tells the capture agent to stop the tab's tracks.
func CloseSubject(tabID string) string { return AudioSubject(tabID) + ".close" }

func EventSubject(tabID string) string { return SubjectEventPrefix + "." + tabID }

// Tab liveness messages published by capture agents that track browser tabs.
const (
	SubjectTabAnnounce        = "copilot.tab.announce"
	SubjectTabHeartbeatPrefix = "copilot.tab.heartbeat"
	SubjectTabClosed          = "copilot.tab.closed"
)

type TabAnnouncement struct {
	TabID     string    `json:"tab_id"`
	URL       string    `json:"url,omitempty"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

type TabHeartbeat struct {
	TabID     string    `json:"tab_id"`
	Timestamp time.Time `json:"timestamp"`
}

func TabHeartbeatSubject(tabID string) string { return SubjectTabHeartbeatPrefix + "." + tabID }
