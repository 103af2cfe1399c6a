package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/bus"
	"github.com/loqalabs/loqa-copilot/internal/config"
)

// ErrCaptureAcquisitionFailed means no audio stream could be obtained for
// the tab. Callers treat it as fatal for that start attempt.
var ErrCaptureAcquisitionFailed = errors.New("capture acquisition failed")

// Frame is a chunk of 16-bit little-endian PCM.
type Frame struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Stream is a live audio stream for one tab. Frames is closed when the
// source ends or after Close. Close releases every underlying track and is
// safe to call more than once.
type Stream interface {
	Frames() <-chan Frame
	Close()
}

// Capturer acquires the audio stream of a browser tab.
type Capturer interface {
	Acquire(ctx context.Context, tabID string) (Stream, error)
}

// New builds the capturer selected by cfg.Mode.
func New(cfg config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) (Capturer, error) {
	switch cfg.Mode {
	case "bus", "":
		if busClient == nil {
			return nil, errors.New("bus capture requires a NATS connection")
		}
		return NewBusCapturer(busClient, time.Duration(cfg.AcquireTimeoutMS)*time.Millisecond, cfg.FrameBuffer, logger), nil
	case "mock":
		return NewMockCapturer(), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
