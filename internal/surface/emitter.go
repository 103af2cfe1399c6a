package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/bus"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/session"
	"github.com/nats-io/nats.go"
)

// Fanout delivers each event to every registered emitter in order. Targets
// can be added after the controller is built.
type Fanout struct {
	mu       sync.RWMutex
	emitters []session.Emitter
}

func (f *Fanout) Add(e session.Emitter) {
	f.mu.Lock()
	f.emitters = append(f.emitters, e)
	f.mu.Unlock()
}

func (f *Fanout) Emit(ev protocol.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, e := range f.emitters {
		e.Emit(ev)
	}
}

// BusMirror republishes events on copilot.event.<tabId>.
type BusMirror struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusMirror(busClient *bus.Client, logger *slog.Logger) *BusMirror {
	return &BusMirror{bus: busClient, logger: logger.With(slog.String("component", "event-mirror"))}
}

func (m *BusMirror) Emit(ev protocol.Event) {
	if err := m.bus.PublishJSON(protocol.EventSubject(ev.TabID), ev); err != nil {
		m.logger.Warn("failed to mirror event", slog.String("type", string(ev.Type)), slogError(err))
	}
}

// ServeBusIntents answers intents sent as NATS requests on copilot.intent.
// Each request runs on its own goroutine; the caller drains the returned
// subscription on shutdown.
func ServeBusIntents(busClient *bus.Client, dispatcher *Dispatcher, timeout time.Duration, logger *slog.Logger) (*nats.Subscription, error) {
	logger = logger.With(slog.String("component", "intent-bus"))
	sub, err := busClient.Conn().Subscribe(protocol.SubjectIntent, func(msg *nats.Msg) {
		go func() {
			var intent protocol.Intent
			var resp protocol.Response
			if err := json.Unmarshal(msg.Data, &intent); err != nil {
				resp = badRequest("malformed intent: " + err.Error())
				resp.Type = protocol.ResponseType
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				resp = dispatcher.Handle(ctx, intent)
				cancel()
			}
			if msg.Reply == "" {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logger.Warn("failed to encode response", slogError(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				logger.Warn("failed to respond to intent", slogError(err))
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe intents: %w", err)
	}
	return sub, nil
}
