package surface

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
)

type hubFixture struct {
	ctrl    *fakeController
	tracker *fakeTracker
	hub     *Hub
	url     string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctrl := newFakeController()
	tracker := newFakeTracker()
	logger := discardLogger()
	hub := NewHub(config.SurfaceConfig{SendBuffer: 16, PingIntervalMS: 1000}, NewDispatcher(ctrl, tracker, logger), tracker, logger)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &hubFixture{
		ctrl:    ctrl,
		tracker: tracker,
		hub:     hub,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (f *hubFixture) dial(t *testing.T, tabID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.url, tabID, discardLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	// a round trip guarantees the hub registered the connection
	if _, err := c.CheckStatus(ctx); err != nil {
		t.Fatalf("check status: %v", err)
	}
	return c
}

func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func TestHubRequestResponse(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t, "7")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.StartCapture(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !resp.Success || !resp.IsCapturing || resp.TabID != "7" {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp, err = c.StartCapture(ctx)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if resp.Success || resp.Code != protocol.CodeAlreadyCapturing {
		t.Fatalf("expected conflict, got %+v", resp)
	}

	resp, err = c.StopCapture(ctx)
	if err != nil || !resp.Success || resp.IsCapturing {
		t.Fatalf("unexpected stop result %+v, %v", resp, err)
	}
}

func TestHubRoutesEventsByTab(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "a")
	b := f.dial(t, "b")
	all := f.dial(t, "")

	f.hub.Emit(protocol.Transcript("a", "hello from a", true))
	f.hub.Emit(protocol.Transcript("b", "hello from b", false))

	if ev := nextEvent(t, a); ev.TabID != "a" || ev.Text != "hello from a" || !ev.IsFinal {
		t.Fatalf("tab a got %+v", ev)
	}
	if ev := nextEvent(t, b); ev.TabID != "b" || ev.Text != "hello from b" {
		t.Fatalf("tab b got %+v", ev)
	}
	first, second := nextEvent(t, all), nextEvent(t, all)
	if first.TabID != "a" || second.TabID != "b" {
		t.Fatalf("unbound surface expected both events in order, got %+v then %+v", first, second)
	}
}

func TestHubAnnounceBindsConnection(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Send(ctx, protocol.Intent{Type: protocol.IntentTabAnnounce, TabID: "42", URL: "https://zoom.us/j/1", Active: true})
	if err != nil || !resp.Success {
		t.Fatalf("announce: %+v, %v", resp, err)
	}

	f.hub.Emit(protocol.SpeechStatus("other"))
	f.hub.Emit(protocol.SpeechStatus("42"))
	if ev := nextEvent(t, c); ev.TabID != "42" {
		t.Fatalf("expected only tab 42 events after announce, got %+v", ev)
	}

	// intents without a tab now target the bound tab
	resp, err = c.StartCapture(ctx)
	if err != nil || resp.TabID != "42" {
		t.Fatalf("expected start for bound tab, got %+v, %v", resp, err)
	}
}

func TestHubDropTabDisconnectsSilently(t *testing.T) {
	f := newHubFixture(t)
	dropped := f.dial(t, "9")
	kept := f.dial(t, "10")

	f.hub.DropTab("9")

	select {
	case <-dropped.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected dropped surface to disconnect")
	}
	for ev := range dropped.Events() {
		t.Fatalf("dropped surface received %+v", ev)
	}

	f.hub.Emit(protocol.SpeechStatus("10"))
	if ev := nextEvent(t, kept); ev.TabID != "10" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if n := f.hub.ConnCount(); n != 1 {
		t.Fatalf("expected 1 connection left, got %d", n)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	f := newHubFixture(t)
	req := httptest.NewRequest("GET", "http://daemon.local/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if f.hub.checkOrigin(req) {
		t.Fatal("expected foreign origin rejected")
	}
	req.Header.Set("Origin", "http://daemon.local")
	if !f.hub.checkOrigin(req) {
		t.Fatal("expected same-host origin allowed")
	}
	f.hub.cfg.AllowedOrigins = []string{"chrome-extension://abc"}
	req.Header.Set("Origin", "chrome-extension://abc")
	if !f.hub.checkOrigin(req) {
		t.Fatal("expected configured origin allowed")
	}
}
