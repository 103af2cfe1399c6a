package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/answer"
	"github.com/loqalabs/loqa-copilot/internal/capture"
	"github.com/loqalabs/loqa-copilot/internal/eventstore"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/question"
	"github.com/loqalabs/loqa-copilot/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-copilot/session"

// ErrSessionStopped is returned by Start when the session was stopped
// before it finished starting.
var ErrSessionStopped = errors.New("capture session stopped")

// Answerer never fails; errors are already replaced by fallback text.
type Answerer interface {
	Answer(ctx context.Context, question string) string
}

// Emitter delivers events to the surfaces of a tab. Emit must not block.
type Emitter interface {
	Emit(protocol.Event)
}

// Journal records the session timeline. *eventstore.Store implements it.
type Journal interface {
	AppendSession(ctx context.Context, sessionID, tabID string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	RecordQA(ctx context.Context, sessionID, tabID string, qa protocol.QA) error
}

type Deps struct {
	Capturer     capture.Capturer
	Sources      transcribe.Factory
	Answerer     Answerer
	Emitter      Emitter
	Journal      Journal
	Deduper      *answer.Deduper
	Logger       *slog.Logger
	Gain         float64
	RestartDelay time.Duration
	Options      transcribe.Options
}

type metrics struct {
	restarts  metric.Int64Counter
	questions metric.Int64Counter
}

func newMetrics(logger *slog.Logger) metrics {
	meter := otel.Meter(instrumentationName)
	var m metrics
	var err error
	if m.restarts, err = meter.Int64Counter("copilot.session.restarts", metric.WithDescription("Transcription source restarts")); err != nil {
		logger.Warn("failed to create session metrics", slogError(err))
	}
	if m.questions, err = meter.Int64Counter("copilot.questions.detected", metric.WithDescription("Final utterances classified as questions")); err != nil {
		logger.Warn("failed to create session metrics", slogError(err))
	}
	return m
}

// CaptureSession is one capture of one tab: the audio graph, the
// transcription source bound to it, and the Q/A entries produced so far.
// Source events are handled on a single goroutine.
type CaptureSession struct {
	id      string
	tabID   string
	deps    Deps
	logger  *slog.Logger
	metrics metrics
	onDone  func(*CaptureSession)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	restartCh chan uint64
	muted     atomic.Bool

	mu         sync.Mutex
	state      State
	errMsg     string
	intended   bool
	generation uint64
	startedAt  time.Time
	graph      *capture.Graph
	source     transcribe.Source
	timer      *time.Timer
	qa         []protocol.QA
}

func newCaptureSession(id, tabID string, deps Deps, m metrics, onDone func(*CaptureSession)) *CaptureSession {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.RestartDelay <= 0 {
		deps.RestartDelay = time.Second
	}
	return &CaptureSession{
		id:        id,
		tabID:     tabID,
		deps:      deps,
		logger:    deps.Logger.With(slog.String("tab_id", tabID), slog.String("session_id", id)),
		metrics:   m,
		onDone:    onDone,
		ctx:       ctx,
		cancel:    cancel,
		restartCh: make(chan uint64, 1),
		state:     StateIdle,
	}
}

func (s *CaptureSession) ID() string    { return s.id }
func (s *CaptureSession) TabID() string { return s.tabID }

// Start acquires the tab audio, builds the graph and starts recognition.
// Any failure aborts the session back to idle after emitting CAPTURE_ERROR.
func (s *CaptureSession) Start(ctx context.Context) error {
	if err := s.transition(EventStart); err != nil {
		return err
	}

	stream, err := s.deps.Capturer.Acquire(ctx, s.tabID)
	if err != nil {
		return s.abort(err, nil, nil)
	}
	graph := capture.NewGraph(stream, s.deps.Gain)
	source, err := s.deps.Sources.NewSource(graph, s.deps.Options)
	if err != nil {
		return s.abort(fmt.Errorf("create transcription source: %w", err), graph, nil)
	}

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		source.Stop()
		graph.Close()
		return ErrSessionStopped
	}
	s.graph, s.source = graph, source
	s.intended = true
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := source.Start(ctx); err != nil {
		return s.abort(fmt.Errorf("start transcription: %w", err), graph, source)
	}

	s.journal(func(ctx context.Context, j Journal) error {
		if err := j.AppendSession(ctx, s.id, s.tabID); err != nil {
			return err
		}
		return j.AppendEvent(ctx, eventstore.Event{SessionID: s.id, TabID: s.tabID, Type: eventstore.TypeCaptureStarted})
	})
	s.emit(protocol.CaptureStatus(s.tabID, protocol.CaptureStarted, "Capture started successfully"))

	s.wg.Add(1)
	go s.loop(source.Events())
	s.logger.Info("capture started")
	return nil
}

func (s *CaptureSession) abort(cause error, graph *capture.Graph, source transcribe.Source) error {
	if source != nil {
		source.Stop()
	}
	if graph != nil {
		graph.Close()
	}
	s.mu.Lock()
	s.graph, s.source = nil, nil
	s.intended = false
	s.errMsg = cause.Error()
	if next, err := Transition(s.state, EventAbort); err == nil {
		s.state = next
	}
	s.mu.Unlock()

	s.logger.Warn("capture start failed", slogError(cause))
	s.emit(protocol.CaptureError(s.tabID, cause.Error()))
	return cause
}

// Stop releases every resource and moves the session to stopped. Pending
// answers are dropped. It is idempotent.
func (s *CaptureSession) Stop() {
	s.shutdown()
	s.wg.Wait()
}

// Mute suppresses all further emissions, used when the tab is gone.
func (s *CaptureSession) Mute() {
	s.muted.Store(true)
}

func (s *CaptureSession) shutdown() {
	s.mu.Lock()
	next, err := Transition(s.state, EventStop)
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.intended = false
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	source, graph := s.source, s.graph
	s.source, s.graph = nil, nil
	s.mu.Unlock()

	s.cancel()
	if source != nil {
		source.Stop()
	}
	if graph != nil {
		graph.Close()
	}

	s.mu.Lock()
	if next, err := Transition(s.state, EventRelease); err == nil {
		s.state = next
	}
	s.mu.Unlock()

	s.deps.Deduper.Forget(s.id)
	s.emit(protocol.CaptureStatus(s.tabID, protocol.CaptureStopped, "Capture stopped"))
	s.journal(func(ctx context.Context, j Journal) error {
		if err := j.AppendEvent(ctx, eventstore.Event{SessionID: s.id, TabID: s.tabID, Type: eventstore.TypeCaptureStopped}); err != nil {
			return err
		}
		return j.EndSession(ctx, s.id)
	})
	s.logger.Info("capture stopped")

	if s.onDone != nil {
		s.onDone(s)
	}
}

func (s *CaptureSession) loop(events <-chan transcribe.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-events:
			s.handle(ev)
		case gen := <-s.restartCh:
			s.recover(gen)
		}
	}
}

func (s *CaptureSession) handle(ev transcribe.Event) {
	switch ev.Kind {
	case transcribe.EventStarted:
		if s.transition(EventStarted) == nil {
			s.emit(protocol.SpeechStatus(s.tabID))
		}
	case transcribe.EventResult:
		for _, u := range ev.Results {
			s.handleUtterance(u)
		}
	case transcribe.EventError:
		s.handleError(ev)
	case transcribe.EventEnd:
		s.mu.Lock()
		prev := s.state
		next, err := Transition(prev, EventEnd)
		if err == nil {
			s.state = next
		}
		restart := err == nil && prev == StateListening && s.intended
		s.mu.Unlock()
		if restart {
			s.logger.Debug("transcription ended, restarting")
			s.restartSource()
		}
	}
}

func (s *CaptureSession) handleUtterance(u transcribe.Utterance) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	if !s.live() {
		return
	}
	s.emit(protocol.Transcript(s.tabID, text, u.IsFinal))
	if !u.IsFinal {
		return
	}
	s.journal(func(ctx context.Context, j Journal) error {
		return j.AppendEvent(ctx, eventstore.Event{SessionID: s.id, TabID: s.tabID, Type: eventstore.TypeTranscriptFinal, Payload: []byte(text), CreatedAt: u.Timestamp})
	})

	rule, ok := question.Match(text)
	if !ok {
		return
	}
	if !s.deps.Deduper.Allow(s.id, text) {
		s.logger.Debug("duplicate question suppressed", slog.String("question", text))
		return
	}
	if s.metrics.questions != nil {
		s.metrics.questions.Add(s.ctx, 1, metric.WithAttributes(attribute.String("rule", string(rule))))
	}
	s.ask(text)
}

// ask generates the answer off the event loop. The result is shown only if
// the session generation is unchanged when it arrives.
func (s *CaptureSession) ask(text string) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	askedAt := time.Now().UTC()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply := s.deps.Answerer.Answer(s.ctx, text)
		s.deliver(gen, protocol.QA{Question: text, Answer: reply, AskedAt: askedAt})
	}()
}

func (s *CaptureSession) deliver(gen uint64, qa protocol.QA) {
	s.mu.Lock()
	if gen != s.generation || !s.intended {
		s.mu.Unlock()
		s.logger.Debug("dropping answer for stopped session", slog.String("question", qa.Question))
		return
	}
	s.qa = append(s.qa, qa)
	s.emit(protocol.ShowQA(s.tabID, qa))
	s.mu.Unlock()

	s.journal(func(ctx context.Context, j Journal) error {
		return j.RecordQA(ctx, s.id, s.tabID, qa)
	})
}

func (s *CaptureSession) handleError(ev transcribe.Event) {
	message := string(ev.Error)
	if message == "" {
		message = ev.Message
	}
	if ev.Error == transcribe.ErrorNoSpeech {
		s.logger.Info("no speech detected")
		s.emit(protocol.SpeechError(s.tabID, message))
		return
	}

	s.logger.Warn("transcription error", slog.String("kind", string(ev.Error)), slog.String("message", ev.Message))
	s.emit(protocol.SpeechError(s.tabID, message))

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, EventFail)
	if err != nil {
		return
	}
	s.state = next
	s.errMsg = message
	if !s.intended {
		return
	}
	gen := s.generation
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.deps.RestartDelay, func() {
		select {
		case s.restartCh <- gen:
		case <-s.ctx.Done():
		}
	})
}

func (s *CaptureSession) recover(gen uint64) {
	s.mu.Lock()
	s.timer = nil
	if gen != s.generation || !s.intended {
		s.mu.Unlock()
		return
	}
	next, err := Transition(s.state, EventRecover)
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info("restarting transcription after error")
	s.restartSource()
}

// restartSource runs on the event loop. A restart that fails ends the
// session.
func (s *CaptureSession) restartSource() {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return
	}
	if s.metrics.restarts != nil {
		s.metrics.restarts.Add(s.ctx, 1)
	}
	err := source.Start(s.ctx)
	if err == nil {
		return
	}
	if errors.Is(err, transcribe.ErrAlreadyRunning) {
		// the run that reported the error is still going; its End restarts it
		s.logger.Debug("transcription still running, waiting for end")
		_ = s.transition(EventStarted)
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.logger.Error("transcription restart failed", slogError(err))
	s.mu.Lock()
	s.errMsg = err.Error()
	s.mu.Unlock()
	s.emit(protocol.CaptureError(s.tabID, fmt.Sprintf("speech recognition restart failed: %v", err)))
	s.journal(func(ctx context.Context, j Journal) error {
		return j.AppendEvent(ctx, eventstore.Event{SessionID: s.id, TabID: s.tabID, Type: eventstore.TypeCaptureError, Payload: []byte(err.Error())})
	})
	// runs on the loop goroutine, so release without waiting on it
	s.shutdown()
}

func (s *CaptureSession) transition(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, event)
	if err != nil {
		s.logger.Debug("ignoring event", slog.String("event", string(event)), slogError(err))
		return err
	}
	s.state = next
	return nil
}

func (s *CaptureSession) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intended
}

func (s *CaptureSession) emit(ev protocol.Event) {
	if s.muted.Load() || s.deps.Emitter == nil {
		return
	}
	ev.TabID = s.tabID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.deps.Emitter.Emit(ev)
}

func (s *CaptureSession) journal(fn func(context.Context, Journal) error) {
	if s.deps.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx, s.deps.Journal); err != nil {
		s.logger.Warn("failed to record session event", slogError(err))
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID    string
	TabID        string
	State        State
	ErrorMessage string
	StartedAt    time.Time
}

func (s *CaptureSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:    s.id,
		TabID:        s.tabID,
		State:        s.state,
		ErrorMessage: s.errMsg,
		StartedAt:    s.startedAt,
	}
}

// History returns a copy of the Q/A entries shown so far, oldest first.
func (s *CaptureSession) History() []protocol.QA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.QA(nil), s.qa...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
