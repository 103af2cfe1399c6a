// Package panel is the terminal presentation surface: a status indicator,
// the live transcript and the question/answer list for one tab.
package panel

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
)

// Surface is the connection the panel drives. *surface.Client implements it.
type Surface interface {
	StartWithRetry(ctx context.Context, retries int, delay time.Duration) (protocol.Response, error)
	StopCapture(ctx context.Context) (protocol.Response, error)
	CheckStatus(ctx context.Context) (protocol.Response, error)
	History(ctx context.Context) (protocol.Response, error)
	Events() <-chan protocol.Event
}

// Indicator is the colored status dot.
type Indicator string

const (
	IndicatorActive   Indicator = "active"
	IndicatorError    Indicator = "error"
	IndicatorInactive Indicator = "inactive"
)

const waitingText = "Waiting for speech..."

type Options struct {
	Title          string
	Retries        int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Title == "" {
		o.Title = "AI Interview Assistant"
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

// Model is the root bubbletea model of the panel.
type Model struct {
	surface Surface
	opts    Options

	indicator Indicator
	// capturing is what the user asked for, not what the daemon reports
	capturing bool
	starting  bool

	transcript      string
	transcriptFinal bool
	qas             []protocol.QA

	errorMessage string
	retryCount   int
	disconnected bool

	width int
}

func New(s Surface, opts Options) Model {
	return Model{
		surface:   s,
		opts:      opts.withDefaults(),
		indicator: IndicatorInactive,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitEventCmd(m.surface),
		statusCmd(m.surface, m.opts.RequestTimeout),
		historyCmd(m.surface, m.opts.RequestTimeout),
	)
}

func waitEventCmd(s Surface) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-s.Events()
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

func startCmd(s Surface, retries int, delay, timeout time.Duration, retry bool) tea.Cmd {
	return func() tea.Msg {
		budget := time.Duration(retries+1)*timeout + time.Duration(retries)*delay
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		resp, err := s.StartWithRetry(ctx, retries, delay)
		return StartResponseMsg{Response: resp, Err: err, Retry: retry}
	}
}

func stopCmd(s Surface, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := s.StopCapture(ctx)
		return StopResponseMsg{Response: resp, Err: err}
	}
}

func statusCmd(s Surface, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := s.CheckStatus(ctx)
		return StatusResponseMsg{Response: resp, Err: err}
	}
}

func historyCmd(s Surface, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := s.History(ctx)
		return HistoryResponseMsg{Response: resp, Err: err}
	}
}

func retryCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg { return RetryTickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case EventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, waitEventCmd(m.surface))

	case StreamClosedMsg:
		m.disconnected = true
		m.capturing = false
		m.indicator = IndicatorError
		m.errorMessage = "Disconnected from copilotd"
		return m, nil

	case StartResponseMsg:
		m.starting = false
		if failure := responseError(msg.Response, msg.Err); failure != "" {
			if msg.Retry {
				return m, m.captureFailed(failure)
			}
			m.capturing = false
			m.indicator = IndicatorError
			m.errorMessage = fmt.Sprintf("Error: %s. Please try again.", failure)
			return m, nil
		}
		m.errorMessage = ""
		if msg.Response.IsCapturing {
			m.indicator = IndicatorActive
		}
		return m, nil

	case StopResponseMsg:
		if failure := responseError(msg.Response, msg.Err); failure != "" && msg.Response.Code != protocol.CodeNoSession {
			m.errorMessage = "Error: " + failure
		}
		return m, nil

	case StatusResponseMsg:
		if msg.Err != nil || !msg.Response.Success {
			return m, nil
		}
		m.capturing = msg.Response.IsCapturing
		m.indicator = indicatorFor(msg.Response.Status, msg.Response.IsCapturing)
		return m, nil

	case HistoryResponseMsg:
		if msg.Err == nil && msg.Response.Success && len(m.qas) == 0 {
			m.qas = append(m.qas, msg.Response.History...)
		}
		return m, nil

	case RetryTickMsg:
		if !m.capturing {
			return m, nil
		}
		m.starting = true
		return m, startCmd(m.surface, 0, m.opts.RetryDelay, m.opts.RequestTimeout, true)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "s", "S":
		if m.disconnected || m.starting {
			return m, nil
		}
		if !m.capturing {
			m.capturing = true
			m.starting = true
			m.retryCount = 0
			m.errorMessage = ""
			return m, startCmd(m.surface, m.opts.Retries, m.opts.RetryDelay, m.opts.RequestTimeout, false)
		}
		m.capturing = false
		m.transcript = ""
		m.transcriptFinal = false
		m.indicator = IndicatorInactive
		return m, stopCmd(m.surface, m.opts.RequestTimeout)
	}
	return m, nil
}

func (m *Model) handleEvent(ev protocol.Event) tea.Cmd {
	switch ev.Type {
	case protocol.EventCaptureStatus:
		switch ev.Status {
		case protocol.CaptureStarted:
			m.capturing = true
			m.retryCount = 0
			m.errorMessage = ""
		case protocol.CaptureStopped:
			m.capturing = false
			m.indicator = IndicatorInactive
			m.transcript = ""
		}

	case protocol.EventSpeechStatus:
		if ev.Status == protocol.SpeechActive {
			m.indicator = IndicatorActive
		}

	case protocol.EventSpeechError:
		// copilotd restarts recognition on its own
		m.indicator = IndicatorError

	case protocol.EventCaptureError:
		if m.starting {
			m.indicator = IndicatorError
			return nil
		}
		return m.captureFailed(ev.Error)

	case protocol.EventTranscript:
		m.transcript = ev.Text
		m.transcriptFinal = ev.IsFinal

	case protocol.EventShowQA:
		if ev.Data != nil {
			m.qas = append(m.qas, *ev.Data)
		}
	}
	return nil
}

// captureFailed schedules another START_CAPTURE while retries remain and
// capture is still wanted.
func (m *Model) captureFailed(message string) tea.Cmd {
	m.indicator = IndicatorError
	if message == "" {
		message = "Failed to start capture"
	}
	if m.capturing && m.retryCount < m.opts.Retries {
		m.retryCount++
		return retryCmd(m.opts.RetryDelay)
	}
	m.capturing = false
	m.errorMessage = fmt.Sprintf("Error: %s. Please try again.", message)
	return nil
}

func responseError(resp protocol.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if !resp.Success {
		if resp.Error == "" {
			return "request failed"
		}
		return resp.Error
	}
	return ""
}

func indicatorFor(status string, capturing bool) Indicator {
	switch {
	case status == "error":
		return IndicatorError
	case capturing:
		return IndicatorActive
	default:
		return IndicatorInactive
	}
}

func (m Model) View() string {
	var b strings.Builder

	dot := inactiveDotStyle.Render("●")
	switch m.indicator {
	case IndicatorActive:
		dot = activeDotStyle.Render("●")
	case IndicatorError:
		dot = errorDotStyle.Render("●")
	}
	b.WriteString(dot + " " + titleStyle.Render(m.opts.Title) + "\n\n")

	width := m.width - 4
	if width < 20 {
		width = 60
	}

	var transcript string
	switch {
	case m.transcript == "":
		transcript = interimStyle.Render(waitingText)
	case m.transcriptFinal:
		transcript = finalStyle.Render(m.transcript)
	default:
		transcript = interimStyle.Render(m.transcript)
	}
	b.WriteString(sectionStyle.Width(width).Render(transcript) + "\n")

	if len(m.qas) > 0 {
		var qa strings.Builder
		for i, entry := range m.qas {
			if i > 0 {
				qa.WriteString("\n\n")
			}
			qa.WriteString(questionStyle.Render("Q: "+entry.Question) + "\n")
			qa.WriteString(answerStyle.Render("A: " + entry.Answer))
		}
		b.WriteString(sectionStyle.Width(width).Render(qa.String()) + "\n")
	}

	if m.errorMessage != "" {
		b.WriteString(errorTextStyle.Render(m.errorMessage) + "\n")
	}

	action := "Start Capture"
	if m.capturing {
		action = "Stop Capture"
	}
	b.WriteString(helpStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top, "[s] "+action, "   [q] Quit")))
	return b.String()
}

// Indicator reports the current status dot.
func (m Model) Indicator() Indicator { return m.indicator }

// Capturing reports whether the user asked for capture.
func (m Model) Capturing() bool { return m.capturing }

func (m Model) Transcript() (string, bool) { return m.transcript, m.transcriptFinal }

func (m Model) QA() []protocol.QA { return append([]protocol.QA(nil), m.qas...) }

func (m Model) ErrorMessage() string { return m.errorMessage }
