package transcribe

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/capture"
)

// MockFactory creates MockSources that replay Script on every run.
type MockFactory struct {
	Script   []Event
	Interval time.Duration

	mu      sync.Mutex
	sources []*MockSource
	err     error
}

func NewMockFactory(script ...Event) *MockFactory {
	return &MockFactory{Script: script}
}

// Fail makes subsequent NewSource calls return err.
func (f *MockFactory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *MockFactory) NewSource(stream capture.Stream, opts Options) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &MockSource{
		events:   make(chan Event, 64),
		script:   f.Script,
		interval: f.Interval,
		opts:     opts,
		done:     make(chan struct{}),
	}
	f.sources = append(f.sources, s)
	return s, nil
}

// Sources returns every source created so far, oldest first.
func (f *MockFactory) Sources() []*MockSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSource(nil), f.sources...)
}

// MockSource emits Started on each successful Start, replays its script and
// accepts injected events through Emit.
type MockSource struct {
	events   chan Event
	script   []Event
	interval time.Duration
	opts     Options

	mu       sync.Mutex
	starts   int
	startErr error
	stopped  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

func (s *MockSource) Events() <-chan Event { return s.events }

func (s *MockSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSourceStopped
	}
	if s.startErr != nil {
		err := s.startErr
		s.mu.Unlock()
		return err
	}
	s.starts++
	s.mu.Unlock()

	s.Emit(Event{Kind: EventStarted})
	if len(s.script) > 0 {
		s.wg.Add(1)
		go s.play()
	}
	return nil
}

func (s *MockSource) play() {
	defer s.wg.Done()
	for _, ev := range s.script {
		if s.interval > 0 {
			select {
			case <-time.After(s.interval):
			case <-s.done:
				return
			}
		}
		s.Emit(ev)
	}
}

// Emit injects ev unless the source is stopped.
func (s *MockSource) Emit(ev Event) {
	if ev.Kind == EventResult {
		now := time.Now()
		for i := range ev.Results {
			if ev.Results[i].Timestamp.IsZero() {
				ev.Results[i].Timestamp = now
			}
		}
	}
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// FailStarts makes subsequent Start calls return err.
func (s *MockSource) FailStarts(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

func (s *MockSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *MockSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *MockSource) Options() Options { return s.opts }

func (s *MockSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}
