package capture

import (
	"context"
	"fmt"
	"sync"
)

// MockCapturer hands out in-memory streams. Tests push frames through the
// returned MockStream; Fail makes the next acquisitions fail.
type MockCapturer struct {
	mu      sync.Mutex
	fail    error
	streams map[string][]*MockStream
}

func NewMockCapturer() *MockCapturer {
	return &MockCapturer{streams: make(map[string][]*MockStream)}
}

// Fail makes Acquire return err (wrapped as an acquisition failure) until
// cleared with nil.
func (m *MockCapturer) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MockCapturer) Acquire(ctx context.Context, tabID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureAcquisitionFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureAcquisitionFailed, m.fail)
	}
	s := &MockStream{frames: make(chan Frame, 16)}
	m.streams[tabID] = append(m.streams[tabID], s)
	return s, nil
}

// Streams returns every stream acquired for tabID, oldest first.
func (m *MockCapturer) Streams(tabID string) []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams[tabID]...)
}

type MockStream struct {
	frames chan Frame
	mu     sync.Mutex
	closed bool
}

func (s *MockStream) Frames() <-chan Frame { return s.frames }

// Push delivers a frame unless the stream is closed. It reports whether the
// frame was accepted.
func (s *MockStream) Push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *MockStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
