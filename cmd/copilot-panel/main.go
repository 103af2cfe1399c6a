package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/panel"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
	"github.com/loqalabs/loqa-copilot/internal/surface"
)

func main() {
	var (
		configPath string
		addr       string
		tabID      string
		meetingURL string
		retries    int
		retryDelay time.Duration
	)

	flag.StringVar(&configPath, "config", "", "copilotd configuration file to take defaults from")
	flag.StringVar(&addr, "addr", "", "copilotd WebSocket endpoint (defaults to the configured http bind, port and path)")
	flag.StringVar(&tabID, "tab", "", "Tab id to attach to")
	flag.StringVar(&meetingURL, "url", "", "Meeting URL to announce for the tab")
	flag.IntVar(&retries, "retries", -1, "Capture retries after a failed start (defaults to surface.capture_retries)")
	flag.DurationVar(&retryDelay, "retry-delay", 0, "Delay between capture retries (defaults to surface.capture_retry_ms)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "copilot-panel:", err)
		os.Exit(1)
	}
	if addr == "" {
		addr = fmt.Sprintf("ws://%s:%d%s", cfg.HTTP.Bind, cfg.HTTP.Port, cfg.Surface.WebSocketPath)
	}
	if retries < 0 {
		retries = cfg.Surface.CaptureRetries
	}
	if retryDelay <= 0 {
		retryDelay = time.Duration(cfg.Surface.CaptureRetryMS) * time.Millisecond
	}

	if tabID == "" {
		fmt.Fprintln(os.Stderr, "copilot-panel: -tab is required")
		os.Exit(2)
	}

	// the TUI owns the terminal, so client logs go to a file when requested
	logger := slog.New(slog.DiscardHandler)
	if path := os.Getenv("COPILOT_PANEL_LOG"); path != "" {
		f, err := tea.LogToFile(path, "copilot-panel")
		if err != nil {
			fmt.Fprintln(os.Stderr, "copilot-panel:", err)
			os.Exit(1)
		}
		defer f.Close()
		logger = slog.New(slog.NewJSONHandler(f, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := surface.Dial(ctx, addr, tabID, logger)
	if err == nil {
		var resp protocol.Response
		resp, err = client.Announce(ctx, meetingURL, true)
		if err == nil && !resp.Success {
			err = fmt.Errorf("announce tab: %s", resp.Error)
		}
	}
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "copilot-panel:", err)
		os.Exit(1)
	}
	defer client.Close()

	model := panel.New(client, panel.Options{Retries: retries, RetryDelay: retryDelay})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "copilot-panel:", err)
		os.Exit(1)
	}
}
