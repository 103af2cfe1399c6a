package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/capture"
	"github.com/loqalabs/loqa-copilot/internal/config"
)

func execSetup(t *testing.T, script string, continuous bool) (Source, *capture.MockStream) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.TranscriptionConfig{
		Mode:         "exec",
		Command:      "sh " + path,
		Language:     "en-US",
		SampleRate:   16000,
		Channels:     1,
		FinalAfterMS: 100,
		MaxRunMS:     60000,
	}
	factory, err := NewExecFactory(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	capturer := capture.NewMockCapturer()
	stream, err := capturer.Acquire(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	src, err := factory.NewSource(stream, Options{Language: "en-US", Continuous: continuous})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(src.Stop)
	return src, capturer.Streams("1")[0]
}

func nextEvent(t *testing.T, src Source) Event {
	t.Helper()
	select {
	case ev := <-src.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcription event")
		return Event{}
	}
}

// 100ms of 16kHz mono PCM
func speech() capture.Frame {
	return capture.Frame{SampleRate: 16000, Channels: 1, PCM: make([]byte, 3200)}
}

func TestExecSourceFinalResult(t *testing.T) {
	src, stream := execSetup(t, `echo '{"text":" How are you? ","confidence":0.9}'`, false)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := nextEvent(t, src); ev.Kind != EventStarted {
		t.Fatalf("expected started, got %v", ev.Kind)
	}
	stream.Push(speech())

	ev := nextEvent(t, src)
	if ev.Kind != EventResult || len(ev.Results) != 1 {
		t.Fatalf("expected one result, got %+v", ev)
	}
	if u := ev.Results[0]; u.Text != "How are you?" || !u.IsFinal || u.Confidence != 0.9 {
		t.Fatalf("unexpected utterance %+v", u)
	}
	if ev := nextEvent(t, src); ev.Kind != EventEnd {
		t.Fatalf("expected end of non-continuous run, got %v", ev.Kind)
	}

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if ev := nextEvent(t, src); ev.Kind != EventStarted {
		t.Fatalf("expected started after restart, got %v", ev.Kind)
	}
}

func TestExecSourceNoSpeech(t *testing.T) {
	src, stream := execSetup(t, `echo '{"text":""}'`, true)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, src)
	stream.Push(speech())

	ev := nextEvent(t, src)
	if ev.Kind != EventError || ev.Error != ErrorNoSpeech {
		t.Fatalf("expected no-speech error, got %+v", ev)
	}
	if ev := nextEvent(t, src); ev.Kind != EventEnd {
		t.Fatalf("expected end after no-speech, got %v", ev.Kind)
	}
}

func TestExecSourceCommandFailure(t *testing.T) {
	src, stream := execSetup(t, `echo broken >&2; exit 2`, true)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, src)
	stream.Push(speech())

	ev := nextEvent(t, src)
	if ev.Kind != EventError || ev.Error != ErrorNetwork {
		t.Fatalf("expected network error, got %+v", ev)
	}
}

func TestExecSourceStreamEnd(t *testing.T) {
	src, stream := execSetup(t, `echo '{"text":"unused"}'`, true)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, src)
	stream.Close()

	if ev := nextEvent(t, src); ev.Kind != EventEnd {
		t.Fatalf("expected end when the stream closes, got %v", ev.Kind)
	}
	if err := src.Start(context.Background()); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
}

func TestExecSourceStopIsTerminal(t *testing.T) {
	src, _ := execSetup(t, `echo '{}'`, true)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	src.Stop()
	if err := src.Start(context.Background()); !errors.Is(err, ErrSourceStopped) {
		t.Fatalf("expected ErrSourceStopped, got %v", err)
	}
}

func TestNewFactoryModes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewFactory(config.TranscriptionConfig{Mode: "mock"}, logger); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewFactory(config.TranscriptionConfig{Mode: "exec"}, logger); err == nil {
		t.Fatal("exec without command must fail")
	}
	if _, err := NewFactory(config.TranscriptionConfig{Mode: "cloud"}, logger); err == nil {
		t.Fatal("unknown mode must fail")
	}
}
