package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/cache"
)

// ClientConfig configures the agent side of the bridge.
type ClientConfig struct {
	// Origin is sent on the handshake and must be allowed by the server.
	Origin string
	// StrictPayloadBytes is the ceiling applied to element lists received by
	// FindElements.
	StrictPayloadBytes int
	ShrinkFactor       float64
	RequestTimeout     time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.StrictPayloadBytes <= 0 {
		c.StrictPayloadBytes = 15360
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = 0.7
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Reply is a decoded outbound message as the client sees it.
type Reply struct {
	Type      string              `json:"type"`
	RequestID string              `json:"requestId"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
	Error     string              `json:"error,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Size      int                 `json:"size,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// Err converts an error reply to a *SizeError or *RemoteError.
func (r Reply) Err() error {
	if r.Type != TypeError {
		return nil
	}
	if r.Limit > 0 {
		return &SizeError{Limit: r.Limit, Size: r.Size}
	}
	return &RemoteError{RequestID: r.RequestID, Message: r.Error}
}

// Client correlates requests and replies over one websocket.
type Client struct {
	cfg    ClientConfig
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan Reply
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a bridge websocket at url.
func Dial(ctx context.Context, url string, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	c := &Client{
		cfg:     cfg,
		ws:      ws,
		logger:  logger.Named("bridge_client"),
		waiters: make(map[string]chan Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Request sends one request and waits for its reply. An error reply is
// returned along with its converted error.
func (c *Client) Request(ctx context.Context, kind string, data any) (Reply, error) {
	var raw jsoniter.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Reply{}, fmt.Errorf("bridge: encoding %s data: %w", kind, err)
		}
		raw = b
	}
	id := uuid.NewString()
	msg, err := json.Marshal(Inbound{Type: kind, RequestID: id, Data: raw})
	if err != nil {
		return Reply{}, err
	}

	ch := make(chan Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply{}, ErrClosed
	}
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		return Reply{}, fmt.Errorf("bridge: sending %s: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r, r.Err()
	case <-c.done:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w: %s %s", ErrRequestTimeout, kind, id)
		}
		return Reply{}, ctx.Err()
	}
}

// Call sends a request and decodes the reply data into out.
func (c *Client) Call(ctx context.Context, kind string, data, out any) error {
	r, err := c.Request(ctx, kind, data)
	if err != nil {
		return err
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("bridge: decoding %s reply: %w", kind, err)
	}
	return nil
}

// FindElements resolves intent and holds the result to the strict payload
// ceiling, shrinking it once if needed.
func (c *Client) FindElements(ctx context.Context, intent string, opts cache.QueryOptions) (ElementList, error) {
	var l ElementList
	if err := c.Call(ctx, KindFindElements, FindRequest{Intent: intent, Options: opts}, &l); err != nil {
		return ElementList{}, err
	}
	return FitList(l, c.cfg.StrictPayloadBytes, c.cfg.ShrinkFactor)
}

// Ping checks the round trip.
func (c *Client) Ping(ctx context.Context) (Pong, error) {
	var p Pong
	err := c.Call(ctx, KindPing, nil, &p)
	return p, err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection and waits for the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		var r Reply
		if err := json.Unmarshal(msg, &r); err != nil {
			c.logger.Debug("Ignoring undecodable reply.", zap.Error(err))
			continue
		}
		c.mu.Lock()
		ch := c.waiters[r.RequestID]
		c.mu.Unlock()
		if ch == nil {
			// Broadcast replies for other requesters land here.
			continue
		}
		select {
		case ch <- r:
		default:
		}
	}
}
