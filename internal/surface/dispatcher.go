package surface

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/session"
	"github.com/loqalabs/loqa-copilot/internal/tabs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Controller is the part of session.Controller the surfaces drive.
type Controller interface {
	StartCapture(ctx context.Context, tabID string) (string, error)
	StopCapture(tabID string) (string, error)
	Status(tabID string) session.CaptureState
	TabClosed(tabID string)
	History(ctx context.Context, tabID string) ([]protocol.QA, error)
}

// TabTracker receives tab announcements from surfaces.
type TabTracker interface {
	Announce(tabID, rawURL string, active bool) tabs.TabInfo
	Heartbeat(tabID string) bool
	Remove(tabID string)
}

// Dispatcher turns intents into controller calls. Every intent gets exactly
// one response; controller errors become error codes.
type Dispatcher struct {
	ctrl     Controller
	tabs     TabTracker
	logger   *slog.Logger
	requests metric.Int64Counter
}

func NewDispatcher(ctrl Controller, tracker TabTracker, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{ctrl: ctrl, tabs: tracker, logger: logger.With(slog.String("component", "dispatcher"))}
	counter, err := otel.Meter("github.com/loqalabs/loqa-copilot/surface").Int64Counter("copilot.intents",
		metric.WithDescription("Intents handled, by type and outcome"))
	if err != nil {
		d.logger.Warn("failed to create intent counter", slogError(err))
	}
	d.requests = counter
	return d
}

func (d *Dispatcher) Handle(ctx context.Context, intent protocol.Intent) protocol.Response {
	resp := d.handle(ctx, intent)
	resp.Type = protocol.ResponseType
	resp.RequestID = intent.RequestID
	if d.requests != nil {
		d.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(intent.Type)),
			attribute.Bool("success", resp.Success),
		))
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, intent protocol.Intent) protocol.Response {
	switch intent.Type {
	case protocol.IntentStartCapture:
		tabID, err := d.ctrl.StartCapture(ctx, intent.TabID)
		if err != nil {
			d.logger.Warn("start capture failed", slog.String("tab_id", tabID), slogError(err))
			return d.failure(tabID, err)
		}
		return d.status(tabID)

	case protocol.IntentStopCapture:
		tabID, err := d.ctrl.StopCapture(intent.TabID)
		if err != nil {
			return d.failure(tabID, err)
		}
		return d.status(tabID)

	case protocol.IntentCheckStatus:
		return d.status(intent.TabID)

	case protocol.IntentTabAnnounce:
		if intent.TabID == "" {
			return badRequest("tabId is required")
		}
		if d.tabs != nil {
			d.tabs.Announce(intent.TabID, intent.URL, intent.Active)
		}
		return d.status(intent.TabID)

	case protocol.IntentTabClosed:
		if intent.TabID == "" {
			return badRequest("tabId is required")
		}
		d.ctrl.TabClosed(intent.TabID)
		if d.tabs != nil {
			d.tabs.Remove(intent.TabID)
		}
		return protocol.Response{TabID: intent.TabID, Success: true, Status: string(session.StateIdle)}

	case protocol.IntentGetHistory:
		history, err := d.ctrl.History(ctx, intent.TabID)
		if err != nil {
			return d.failure(intent.TabID, err)
		}
		resp := d.status(intent.TabID)
		resp.History = history
		return resp

	default:
		return badRequest("unknown intent type " + string(intent.Type))
	}
}

func (d *Dispatcher) status(tabID string) protocol.Response {
	st := d.ctrl.Status(tabID)
	if st.TabID != "" {
		tabID = st.TabID
	}
	resp := protocol.Response{
		TabID:       tabID,
		Success:     true,
		IsCapturing: st.IsCapturing,
		Status:      string(st.Status),
	}
	if st.Status == session.StateError {
		resp.Error = st.ErrorMessage
	}
	return resp
}

func (d *Dispatcher) failure(tabID string, err error) protocol.Response {
	resp := protocol.Response{TabID: tabID, Success: false, Error: err.Error(), Code: errorCode(err)}
	if tabID != "" {
		st := d.ctrl.Status(tabID)
		resp.IsCapturing = st.IsCapturing
		resp.Status = string(st.Status)
	}
	return resp
}

func badRequest(msg string) protocol.Response {
	return protocol.Response{Success: false, Error: msg, Code: protocol.CodeBadRequest}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNoActiveTab):
		return protocol.CodeNoActiveTab
	case errors.Is(err, session.ErrAlreadyCapturing):
		return protocol.CodeAlreadyCapturing
	case errors.Is(err, session.ErrNoSession):
		return protocol.CodeNoSession
	default:
		return protocol.CodeCaptureFailed
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
