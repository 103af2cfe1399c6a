package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/bus"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusCapturer receives tab audio from a capture agent over NATS. The agent
// owns the browser side: it answers the open request for a tab, then
// publishes AudioFrames on the tab's audio subject until asked to close.
type BusCapturer struct {
	bus     *bus.Client
	timeout time.Duration
	buffer  int
	logger  *slog.Logger
	dropped metric.Int64Counter
}

func NewBusCapturer(busClient *bus.Client, timeout time.Duration, buffer int, logger *slog.Logger) *BusCapturer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if buffer <= 0 {
		buffer = 64
	}
	c := &BusCapturer{
		bus:     busClient,
		timeout: timeout,
		buffer:  buffer,
		logger:  logger.With(slog.String("component", "capture")),
	}
	dropped, err := otel.Meter("github.com/loqalabs/loqa-copilot/capture").Int64Counter(
		"copilot.capture.frames_dropped",
		metric.WithDescription("Audio frames dropped because the session fell behind"),
	)
	if err != nil {
		c.logger.Warn("failed to create capture metrics", slogError(err))
	}
	c.dropped = dropped
	return c
}

func (c *BusCapturer) Acquire(ctx context.Context, tabID string) (Stream, error) {
	if tabID == "" {
		return nil, fmt.Errorf("%w: empty tab id", ErrCaptureAcquisitionFailed)
	}
	s := &busStream{
		tabID:   tabID,
		frames:  make(chan Frame, c.buffer),
		bus:     c.bus,
		logger:  c.logger.With(slog.String("tab_id", tabID)),
		dropped: c.dropped,
	}

	// subscribe before opening so the first frames are not lost
	sub, err := c.bus.Conn().Subscribe(protocol.AudioSubject(tabID), s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe audio: %v", ErrCaptureAcquisitionFailed, err)
	}
	s.sub = sub

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reply protocol.CaptureOpenReply
	err = c.bus.RequestJSON(reqCtx, protocol.OpenSubject(tabID), protocol.CaptureOpenRequest{TabID: tabID}, &reply)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		err = errors.New("no capture agent for tab")
	case err == nil && !reply.OK:
		err = errors.New(reply.Error)
		if reply.Error == "" {
			err = errors.New("capture agent refused")
		}
	}
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %v", ErrCaptureAcquisitionFailed, err)
	}

	s.logger.Info("tab audio acquired",
		slog.Int("sample_rate", reply.SampleRate),
		slog.Int("channels", reply.Channels))
	return s, nil
}

type busStream struct {
	tabID   string
	frames  chan Frame
	bus     *bus.Client
	sub     *nats.Subscription
	logger  *slog.Logger
	dropped metric.Int64Counter

	mu       sync.Mutex
	ended    bool
	released bool
}

func (s *busStream) Frames() <-chan Frame { return s.frames }

func (s *busStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.frames <- Frame{
		Sequence:   frame.Sequence,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		PCM:        frame.PCM,
		Final:      frame.Final,
	}:
	default:
		if s.dropped != nil {
			s.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tab_id", s.tabID)))
		}
	}
	if frame.Final {
		// agent reported the track ended
		s.ended = true
		close(s.frames)
	}
}

func (s *busStream) Close() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
	s.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to unsubscribe audio", slogError(err))
	}
	if err := s.bus.PublishJSON(protocol.CloseSubject(s.tabID), protocol.CaptureOpenRequest{TabID: s.tabID}); err != nil {
		s.logger.Warn("failed to release tab audio", slogError(err))
	}
	s.logger.Info("tab audio released")
}
