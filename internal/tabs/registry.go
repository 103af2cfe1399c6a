package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/bus"
	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type TabInfo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url,omitempty"`
	Active    bool      `json:"active"`
	IsMeeting bool      `json:"is_meeting"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry tracks the browser tabs surfaces and capture agents report. A
// tab whose heartbeats stop for longer than the configured timeout is
// treated as closed.
type Registry struct {
	cfg      config.TabsConfig
	log      *slog.Logger
	bus      *bus.Client
	clock    func() time.Time
	mu       sync.RWMutex
	tabs     map[string]*TabInfo
	activeID string
	onClosed func(tabID string)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	subs     []*nats.Subscription
	meter    metric.Meter
}

// NewRegistry starts the liveness sweep. busClient may be nil, in which case
// tabs are only learned from surfaces.
func NewRegistry(ctx context.Context, cfg config.TabsConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "tabs")),
		bus:    busClient,
		clock:  time.Now,
		tabs:   make(map[string]*TabInfo),
		cancel: cancel,
		meter:  otel.Meter("github.com/loqalabs/loqa-copilot/tabs"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			cancel()
			return nil, err
		}
	}

	interval := time.Duration(cfg.SweepInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	r.wg.Add(1)
	go r.monitor(ctx, interval)
	return r, nil
}

// SetOnClosed registers the callback run, outside the registry lock, when
// a tab is removed or expires.
func (r *Registry) SetOnClosed(fn func(tabID string)) {
	r.mu.Lock()
	r.onClosed = fn
	r.mu.Unlock()
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectTabAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe tab announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectTabHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe tab heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	closedSub, err := conn.Subscribe(protocol.SubjectTabClosed, r.handleClosed)
	if err != nil {
		return fmt.Errorf("subscribe tab closed: %w", err)
	}
	r.subs = append(r.subs, closedSub)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.TabAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.TabID == "" {
		r.log.Warn("invalid tab announcement", slog.Int("bytes", len(msg.Data)))
		return
	}
	r.Announce(a.TabID, a.URL, a.Active)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.TabHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid tab heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.TabID == "" {
		hb.TabID = strings.TrimPrefix(msg.Subject, protocol.SubjectTabHeartbeatPrefix+".")
	}
	r.Heartbeat(hb.TabID)
}

func (r *Registry) handleClosed(msg *nats.Msg) {
	var hb protocol.TabHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.TabID == "" {
		r.log.Warn("invalid tab closed message", slog.Int("bytes", len(msg.Data)))
		return
	}
	r.Remove(hb.TabID)
}

// Announce records or refreshes a tab. An active announcement makes the
// tab the foreground tab.
func (r *Registry) Announce(tabID, rawURL string, active bool) TabInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		tab = &TabInfo{ID: tabID}
		r.tabs[tabID] = tab
		r.log.Debug("tab registered", slog.String("tab_id", tabID))
	}
	if rawURL != "" {
		tab.URL = rawURL
		tab.IsMeeting = IsZoomMeeting(rawURL)
	}
	tab.LastSeen = r.clock()
	if active {
		if prev, ok := r.tabs[r.activeID]; ok && prev != tab {
			prev.Active = false
		}
		tab.Active = true
		r.activeID = tabID
	}
	return *tab
}

// Heartbeat refreshes a known tab and reports whether it was known.
func (r *Registry) Heartbeat(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[tabID]
	if ok {
		tab.LastSeen = r.clock()
	}
	return ok
}

// Remove forgets the tab and fires the closed callback if it was known.
func (r *Registry) Remove(tabID string) {
	r.mu.Lock()
	_, ok := r.tabs[tabID]
	delete(r.tabs, tabID)
	if r.activeID == tabID {
		r.activeID = ""
	}
	onClosed := r.onClosed
	r.mu.Unlock()

	if ok && onClosed != nil {
		onClosed(tabID)
	}
}

// ActiveTab picks the tab a capture without an explicit tab id targets. A
// focused meeting tab wins, then the most recently seen meeting tab, then
// whatever tab is focused.
func (r *Registry) ActiveTab() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.tabs[r.activeID]
	if ok && active.IsMeeting {
		return active.ID, true
	}
	if meetings := r.query(WithMeetingFilter()); len(meetings) > 0 {
		latest := meetings[0]
		for _, tab := range meetings[1:] {
			if tab.LastSeen.After(latest.LastSeen) {
				latest = tab
			}
		}
		return latest.ID, true
	}
	if !ok {
		return "", false
	}
	return active.ID, true
}

func (r *Registry) Get(tabID string) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[tabID]
	if !ok {
		return TabInfo{}, false
	}
	return *tab, true
}

// Query returns matching tabs ordered by id.
func (r *Registry) Query(filter func(TabInfo) bool) []TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.query(filter)
}

func (r *Registry) query(filter func(TabInfo) bool) []TabInfo {
	var results []TabInfo
	for _, tab := range r.tabs {
		copy := *tab
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithMeetingFilter() func(TabInfo) bool {
	return func(tab TabInfo) bool { return tab.IsMeeting }
}

func (r *Registry) monitor(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		return
	}
	now := r.clock()

	r.mu.RLock()
	var expired []string
	for id, tab := range r.tabs {
		if now.Sub(tab.LastSeen) > timeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.Info("tab heartbeat expired", slog.String("tab_id", id))
		r.Remove(id)
	}
}

func (r *Registry) initMetrics() error {
	known, err := r.meter.Int64ObservableGauge("copilot.tabs.known", metric.WithDescription("Number of tracked browser tabs"))
	if err != nil {
		return err
	}
	meetings, err := r.meter.Int64ObservableGauge("copilot.tabs.meetings", metric.WithDescription("Tracked tabs that are Zoom meetings"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, meeting := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(meetings, meeting)
		return nil
	}, known, meetings)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, meetings int64
	for _, tab := range r.tabs {
		total++
		if tab.IsMeeting {
			meetings++
		}
	}
	return total, meetings
}

// IsZoomMeeting reports whether rawURL points at a Zoom meeting page.
func IsZoomMeeting(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !strings.Contains(strings.ToLower(u.Hostname()), "zoom.us") {
		return false
	}
	return strings.Contains(u.Path, "/j/") || strings.Contains(u.Path, "/meeting/")
}
