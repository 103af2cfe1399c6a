package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/surface"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Capture.Mode = "mock"
	cfg.Transcription.Mode = "mock"
	cfg.Answer.Mode = "mock"
	return cfg
}

func waitReady(t *testing.T, rt *Runtime, errCh <-chan error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !rt.Ready() {
		select {
		case err := <-errCh:
			t.Fatalf("runtime exited early: %v", err)
		case <-deadline:
			t.Fatal("runtime did not become ready")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRuntimeServesCaptureLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()
	waitReady(t, rt, errCh)

	resp, err := http.Get("http://" + rt.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	client, err := surface.Dial(reqCtx, "ws://"+rt.Addr()+"/ws", "12", logger)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	start, err := client.StartCapture(reqCtx)
	if err != nil || !start.Success || !start.IsCapturing {
		t.Fatalf("start: %+v, %v", start, err)
	}

	sawStarted := false
	for !sawStarted {
		select {
		case ev := <-client.Events():
			if ev.Type == protocol.EventCaptureStatus && ev.Status == protocol.CaptureStarted {
				sawStarted = true
			}
		case <-reqCtx.Done():
			t.Fatal("no CAPTURE_STATUS started event")
		}
	}

	stop, err := client.StopCapture(reqCtx)
	if err != nil || !stop.Success || stop.IsCapturing {
		t.Fatalf("stop: %+v, %v", stop, err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not shut down")
	}
	if rt.Ready() {
		t.Fatal("runtime should not be ready after shutdown")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
