package surface

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/session"
)

func TestStartWithRetrySucceedsAfterFailures(t *testing.T) {
	f := newHubFixture(t)
	f.ctrl.mu.Lock()
	f.ctrl.startErrs = []error{errTransient, errTransient}
	f.ctrl.mu.Unlock()
	c := f.dial(t, "5")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.StartWithRetry(ctx, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !resp.Success || !resp.IsCapturing {
		t.Fatalf("unexpected response %+v", resp)
	}
	if n := f.ctrl.startCount(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestStartWithRetryGivesUp(t *testing.T) {
	f := newHubFixture(t)
	f.ctrl.mu.Lock()
	f.ctrl.startErrs = []error{errTransient, errTransient, errTransient, errTransient, errTransient}
	f.ctrl.mu.Unlock()
	c := f.dial(t, "5")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.StartWithRetry(ctx, 3, 10*time.Millisecond); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if n := f.ctrl.startCount(); n != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", n)
	}
}

func TestStartWithRetryStopsOnConflict(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t, "5")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.StartCapture(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := c.StartWithRetry(ctx, 3, 10*time.Millisecond)
	if err == nil || err.Error() != session.ErrAlreadyCapturing.Error() {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if n := f.ctrl.startCount(); n != 2 {
		t.Fatalf("conflict must not be retried, got %d attempts", n)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t, "5")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := c.CheckStatus(context.Background())
	if !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
