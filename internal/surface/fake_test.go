package surface

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/session"
	"github.com/loqalabs/loqa-copilot/internal/tabs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	mu         sync.Mutex
	startErrs  []error
	starts     int
	capturing  map[string]bool
	closedTabs []string
	history    []protocol.QA
	activeTab  string
}

func newFakeController() *fakeController {
	return &fakeController{capturing: make(map[string]bool), activeTab: "active"}
}

func (f *fakeController) resolve(tabID string) (string, error) {
	if tabID != "" {
		return tabID, nil
	}
	if f.activeTab == "" {
		return "", session.ErrNoActiveTab
	}
	return f.activeTab, nil
}

func (f *fakeController) StartCapture(_ context.Context, tabID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tabID, err := f.resolve(tabID)
	if err != nil {
		return "", err
	}
	f.starts++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return tabID, err
		}
	}
	if f.capturing[tabID] {
		return tabID, session.ErrAlreadyCapturing
	}
	f.capturing[tabID] = true
	return tabID, nil
}

func (f *fakeController) StopCapture(tabID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tabID, err := f.resolve(tabID)
	if err != nil {
		return "", err
	}
	if !f.capturing[tabID] {
		return tabID, session.ErrNoSession
	}
	delete(f.capturing, tabID)
	return tabID, nil
}

func (f *fakeController) Status(tabID string) session.CaptureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	tabID, err := f.resolve(tabID)
	if err != nil {
		return session.CaptureState{Status: session.StateIdle}
	}
	if f.capturing[tabID] {
		return session.CaptureState{TabID: tabID, Status: session.StateListening, IsCapturing: true}
	}
	return session.CaptureState{TabID: tabID, Status: session.StateIdle}
}

func (f *fakeController) TabClosed(tabID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.capturing, tabID)
	f.closedTabs = append(f.closedTabs, tabID)
}

func (f *fakeController) History(_ context.Context, tabID string) ([]protocol.QA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.resolve(tabID); err != nil {
		return nil, err
	}
	return append([]protocol.QA(nil), f.history...), nil
}

func (f *fakeController) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeTracker struct {
	mu         sync.Mutex
	announced  map[string]string
	heartbeats map[string]int
	removed    []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{announced: make(map[string]string), heartbeats: make(map[string]int)}
}

func (f *fakeTracker) Announce(tabID, rawURL string, active bool) tabs.TabInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced[tabID] = rawURL
	return tabs.TabInfo{ID: tabID, URL: rawURL, Active: active, IsMeeting: tabs.IsZoomMeeting(rawURL)}
}

func (f *fakeTracker) Heartbeat(tabID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[tabID]++
	_, ok := f.announced[tabID]
	return ok
}

func (f *fakeTracker) Remove(tabID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tabID)
}

var errTransient = errors.New("tab audio unavailable")
