package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/capture"
	"github.com/loqalabs/loqa-copilot/internal/config"
)

type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventResult
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ErrorKind mirrors the recognizer error codes surfaces already understand.
type ErrorKind string

const (
	ErrorNoSpeech     ErrorKind = "no-speech"
	ErrorNetwork      ErrorKind = "network"
	ErrorAudioCapture ErrorKind = "audio-capture"
	ErrorAborted      ErrorKind = "aborted"
)

// Utterance is one recognized segment. Interim utterances may be replaced
// by later ones; final ones are stable.
type Utterance struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

type Event struct {
	Kind    EventKind
	Results []Utterance
	Error   ErrorKind
	Message string
}

type Options struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

func OptionsFromConfig(cfg config.TranscriptionConfig) Options {
	return Options{Language: cfg.Language, Continuous: cfg.Continuous, InterimResults: cfg.InterimResults}
}

var (
	ErrSourceStopped  = errors.New("transcription source stopped")
	ErrAlreadyRunning = errors.New("transcription source already running")
	ErrStreamEnded    = errors.New("audio stream ended")
)

// Source is a restartable recognizer bound to one audio stream. Each Start
// begins a run that reports Started, any number of Results and Errors, and
// finally End. Stop is terminal. Events is never closed.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
}

type Factory interface {
	NewSource(stream capture.Stream, opts Options) (Source, error)
}

// NewFactory builds the factory selected by cfg.Mode.
func NewFactory(cfg config.TranscriptionConfig, logger *slog.Logger) (Factory, error) {
	switch cfg.Mode {
	case "mock", "":
		f := NewMockFactory(demoScript()...)
		f.Interval = 1500 * time.Millisecond
		return f, nil
	case "exec":
		return NewExecFactory(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported transcription mode %q", cfg.Mode)
	}
}

// demoScript drives the mock backend during local development.
func demoScript() []Event {
	return []Event{
		{Kind: EventResult, Results: []Utterance{{Text: "so tell me"}}},
		{Kind: EventResult, Results: []Utterance{{Text: "So tell me about a project you are proud of.", IsFinal: true}}},
		{Kind: EventResult, Results: []Utterance{{Text: "Thanks for joining today.", IsFinal: true}}},
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
