package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-copilot/internal/protocol"
)

var ErrClientClosed = errors.New("surface client closed")

// Client is a presentation surface's connection to the daemon.
type Client struct {
	ws     *websocket.Conn
	tabID  string
	logger *slog.Logger
	events chan protocol.Event
	seq    atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	done    chan struct{}
	once    sync.Once
	err     error
}

type envelope struct {
	Type string `json:"type"`
}

// Dial connects to the hub at rawURL (ws://host:port/ws) and binds the
// connection to tabID when it is not empty.
func Dial(ctx context.Context, rawURL, tabID string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if tabID != "" {
		q := u.Query()
		q.Set("tab", tabID)
		u.RawQuery = q.Encode()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		ws:      ws,
		tabID:   tabID,
		logger:  logger.With(slog.String("component", "surface-client")),
		events:  make(chan protocol.Event, 256),
		pending: make(map[string]chan protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers pushed controller events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed message from hub", slogError(err))
			continue
		}
		if env.Type == protocol.ResponseType {
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				c.logger.Warn("malformed response from hub", slogError(err))
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("malformed event from hub", slogError(err))
			continue
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("event buffer full, dropping", slog.String("type", string(ev.Type)))
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClientClosed
		}
		c.err = err
		c.pending = make(map[string]chan protocol.Response)
		c.mu.Unlock()
		close(c.done)
	})
}

// Send writes intent and waits for its response. An empty TabID is filled
// with the client's tab.
func (c *Client) Send(ctx context.Context, intent protocol.Intent) (protocol.Response, error) {
	if intent.TabID == "" {
		intent.TabID = c.tabID
	}
	intent.RequestID = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return protocol.Response{}, ErrClientClosed
	default:
	}
	c.pending[intent.RequestID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(intent)
	if err != nil {
		c.forget(intent.RequestID)
		return protocol.Response{}, err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(intent.RequestID)
		return protocol.Response{}, fmt.Errorf("send intent: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(intent.RequestID)
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		return protocol.Response{}, ErrClientClosed
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) StartCapture(ctx context.Context) (protocol.Response, error) {
	return c.Send(ctx, protocol.Intent{Type: protocol.IntentStartCapture})
}

func (c *Client) StopCapture(ctx context.Context) (protocol.Response, error) {
	return c.Send(ctx, protocol.Intent{Type: protocol.IntentStopCapture})
}

func (c *Client) CheckStatus(ctx context.Context) (protocol.Response, error) {
	return c.Send(ctx, protocol.Intent{Type: protocol.IntentCheckStatus})
}

func (c *Client) Announce(ctx context.Context, rawURL string, active bool) (protocol.Response, error) {
	return c.Send(ctx, protocol.Intent{Type: protocol.IntentTabAnnounce, URL: rawURL, Active: active})
}

func (c *Client) History(ctx context.Context) (protocol.Response, error) {
	return c.Send(ctx, protocol.Intent{Type: protocol.IntentGetHistory})
}

// StartWithRetry sends START_CAPTURE and retries failed attempts up to
// retries more times, waiting delay between them. Conflicts and a missing
// tab are not retried.
func (c *Client) StartWithRetry(ctx context.Context, retries int, delay time.Duration) (protocol.Response, error) {
	if retries < 0 {
		retries = 0
	}
	attempt := 0
	op := func() (protocol.Response, error) {
		attempt++
		resp, err := c.StartCapture(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return resp, backoff.Permanent(err)
			}
			return resp, err
		}
		if resp.Success {
			return resp, nil
		}
		failure := errors.New(resp.Error)
		switch resp.Code {
		case protocol.CodeAlreadyCapturing, protocol.CodeNoActiveTab, protocol.CodeBadRequest:
			return resp, backoff.Permanent(failure)
		}
		return resp, failure
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Info("retrying capture",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", retries),
				slog.Duration("wait", wait),
				slogError(err))
		}),
	)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.shutdown(nil)
	return err
}
