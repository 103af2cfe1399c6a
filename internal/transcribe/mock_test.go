package transcribe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockSourceReplaysScriptPerRun(t *testing.T) {
	f := NewMockFactory(Event{Kind: EventResult, Results: []Utterance{{Text: "what is go?", IsFinal: true}}})
	src, err := f.NewSource(nil, Options{Language: "en-US"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	for run := 0; run < 2; run++ {
		if err := src.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		kinds := []EventKind{EventStarted, EventResult}
		for _, want := range kinds {
			select {
			case ev := <-src.Events():
				if ev.Kind != want {
					t.Fatalf("run %d: expected %v, got %v", run, want, ev.Kind)
				}
				if ev.Kind == EventResult && ev.Results[0].Timestamp.IsZero() {
					t.Fatal("expected timestamp to be filled")
				}
			case <-time.After(time.Second):
				t.Fatalf("run %d: timed out waiting for %v", run, want)
			}
		}
	}
	if got := f.Sources()[0].Starts(); got != 2 {
		t.Fatalf("expected 2 starts, got %d", got)
	}
}

func TestMockSourceFailStarts(t *testing.T) {
	f := NewMockFactory()
	src, _ := f.NewSource(nil, Options{})
	mock := f.Sources()[0]
	mock.FailStarts(errors.New("boom"))
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	src.Stop()
	if !mock.Stopped() {
		t.Fatal("expected stopped")
	}
	if err := src.Start(context.Background()); !errors.Is(err, ErrSourceStopped) {
		t.Fatalf("expected ErrSourceStopped, got %v", err)
	}
}
