package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoActiveTab      = errors.New("no active tab")
	ErrAlreadyCapturing = errors.New("tab is already being captured")
	ErrNoSession        = errors.New("no capture session for tab")
	ErrControllerClosed = errors.New("session controller closed")
)

// TabResolver finds the foreground tab when an intent names none.
type TabResolver interface {
	ActiveTab() (string, bool)
}

// HistoryStore serves Q/A history for tabs without a live session.
type HistoryStore interface {
	TabHistory(ctx context.Context, tabID string, limit int) ([]protocol.QA, error)
}

// CaptureState is the status reported to surfaces.
type CaptureState struct {
	TabID        string
	Status       State
	IsCapturing  bool
	ErrorMessage string
	SessionID    string
	StartedAt    time.Time
}

type tabLock struct {
	mu   sync.Mutex
	refs int
}

// Controller owns the tab to CaptureSession mapping. At most one session
// exists per tab; starts and stops for the same tab are serialized.
type Controller struct {
	deps    Deps
	tabs    TabResolver
	history HistoryStore
	logger  *slog.Logger
	metrics metrics

	mu       sync.Mutex
	sessions map[string]*CaptureSession
	locks    map[string]*tabLock
	closed   bool
}

func NewController(deps Deps, tabs TabResolver, history HistoryStore) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "session"))
	c := &Controller{
		deps:     deps,
		tabs:     tabs,
		history:  history,
		logger:   deps.Logger,
		metrics:  newMetrics(deps.Logger),
		sessions: make(map[string]*CaptureSession),
		locks:    make(map[string]*tabLock),
	}
	if err := c.initGauge(); err != nil {
		c.logger.Warn("failed to register session gauge", slogError(err))
	}
	return c
}

func (c *Controller) initGauge() error {
	meter := otel.Meter(instrumentationName)
	_, err := meter.Int64ObservableGauge("copilot.sessions.active",
		metric.WithDescription("Capture sessions currently holding tab audio"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.ActiveSessions()))
			return nil
		}))
	return err
}

func (c *Controller) resolve(tabID string) (string, error) {
	if tabID != "" {
		return tabID, nil
	}
	if c.tabs != nil {
		if active, ok := c.tabs.ActiveTab(); ok {
			return active, nil
		}
	}
	return "", ErrNoActiveTab
}

func (c *Controller) lockTab(tabID string) func() {
	c.mu.Lock()
	l := c.locks[tabID]
	if l == nil {
		l = &tabLock{}
		c.locks[tabID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, tabID)
		}
		c.mu.Unlock()
	}
}

// StartCapture starts a session for tabID, or for the active tab when
// tabID is empty. It returns the resolved tab id.
func (c *Controller) StartCapture(ctx context.Context, tabID string) (string, error) {
	tabID, err := c.resolve(tabID)
	if err != nil {
		return "", err
	}
	unlock := c.lockTab(tabID)
	defer unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return tabID, ErrControllerClosed
	}
	if _, ok := c.sessions[tabID]; ok {
		c.mu.Unlock()
		return tabID, ErrAlreadyCapturing
	}
	s := newCaptureSession(tabID+"-"+uuid.NewString(), tabID, c.deps, c.metrics, c.sessionDone)
	c.sessions[tabID] = s
	c.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		c.remove(tabID, s)
		return tabID, fmt.Errorf("start capture for tab %s: %w", tabID, err)
	}
	return tabID, nil
}

// StopCapture stops the tab's session synchronously. Surfaces receive
// CAPTURE_STATUS stopped before it returns.
func (c *Controller) StopCapture(tabID string) (string, error) {
	tabID, err := c.resolve(tabID)
	if err != nil {
		return "", err
	}
	unlock := c.lockTab(tabID)
	defer unlock()

	s := c.lookup(tabID)
	if s == nil {
		return tabID, ErrNoSession
	}
	s.Stop()
	c.remove(tabID, s)
	return tabID, nil
}

// TabClosed force-stops the tab's session without emitting anything to it.
func (c *Controller) TabClosed(tabID string) {
	unlock := c.lockTab(tabID)
	defer unlock()

	s := c.lookup(tabID)
	if s == nil {
		return
	}
	c.logger.Info("tab closed, releasing capture", slog.String("tab_id", tabID))
	s.Mute()
	s.Stop()
	c.remove(tabID, s)
}

// Status never fails; a tab without a session is idle.
func (c *Controller) Status(tabID string) CaptureState {
	if tabID == "" {
		if c.tabs == nil {
			return CaptureState{Status: StateIdle}
		}
		active, ok := c.tabs.ActiveTab()
		if !ok {
			return CaptureState{Status: StateIdle}
		}
		tabID = active
	}
	s := c.lookup(tabID)
	if s == nil {
		return CaptureState{TabID: tabID, Status: StateIdle}
	}
	snap := s.Snapshot()
	return CaptureState{
		TabID:        tabID,
		Status:       snap.State,
		IsCapturing:  snap.State.Active(),
		ErrorMessage: snap.ErrorMessage,
		SessionID:    snap.SessionID,
		StartedAt:    snap.StartedAt,
	}
}

// History returns the live session's Q/A entries, falling back to the most
// recent recorded session for the tab.
func (c *Controller) History(ctx context.Context, tabID string) ([]protocol.QA, error) {
	tabID, err := c.resolve(tabID)
	if err != nil {
		return nil, err
	}
	if s := c.lookup(tabID); s != nil {
		return s.History(), nil
	}
	if c.history == nil {
		return nil, nil
	}
	return c.history.TabHistory(ctx, tabID, 500)
}

func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops every session. Later starts fail with ErrControllerClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*CaptureSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		c.remove(s.TabID(), s)
	}
}

func (c *Controller) lookup(tabID string) *CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[tabID]
}

func (c *Controller) remove(tabID string, s *CaptureSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[tabID] == s {
		delete(c.sessions, tabID)
	}
}

// sessionDone is called when a session stops, including when it ends
// itself after a failed restart.
func (c *Controller) sessionDone(s *CaptureSession) {
	c.remove(s.TabID(), s)
}
