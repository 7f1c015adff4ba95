// Package rpc fetches plebbit content through a plebbit JSON-RPC server over
// a websocket.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("rpc client closed")

// Error is an error returned by the server for one call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a domain.Fetcher backed by a plebbit RPC server. It dials on
// first use and again on the first call after the connection breaks.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *connection
	closed bool
}

var _ domain.Fetcher = (*Client)(nil)

// NewClient creates a client for the server at url (ws:// or wss://).
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger.With("transport", "rpc"),
	}
}

func (c *Client) GetPage(ctx context.Context, cid string) (*domain.Page, error) {
	var page domain.Page
	if err := c.call(ctx, "getPage", []any{cid}, &page); err != nil {
		return nil, fmt.Errorf("get page %s: %w", cid, err)
	}
	return &page, nil
}

func (c *Client) GetComment(ctx context.Context, cid string) (*domain.Comment, error) {
	var comment domain.Comment
	if err := c.call(ctx, "getComment", []any{cid}, &comment); err != nil {
		return nil, fmt.Errorf("get comment %s: %w", cid, err)
	}
	if comment.Cid == "" {
		comment.Cid = cid
	}
	return &comment, nil
}

func (c *Client) GetSubplebbit(ctx context.Context, address string) (*domain.Subplebbit, error) {
	var sub domain.Subplebbit
	if err := c.call(ctx, "getSubplebbit", []any{address}, &sub); err != nil {
		return nil, fmt.Errorf("get subplebbit %s: %w", address, err)
	}
	if sub.Address == "" {
		sub.Address = address
	}
	return &sub, nil
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.closing.Store(true)
	err := conn.ws.Close()
	<-conn.done
	return err
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	replies, err := conn.register(id)
	if err != nil {
		return err
	}
	defer conn.unregister(id)

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := conn.write(payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.done:
		return conn.err
	case resp := <-replies:
		if resp.Error != nil {
			return resp.Error
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) connect(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		select {
		case <-c.conn.done:
			c.logger.Info("rpc connection lost, reconnecting", "error", c.conn.err)
		default:
			return c.conn, nil
		}
	}

	c.logger.Info("connecting to plebbit rpc", "url", c.url)
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial plebbit rpc: %w", err)
	}

	conn := &connection{
		ws:      ws,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	go conn.readLoop()
	c.conn = conn
	return conn, nil
}

// connection is one websocket and the calls waiting on it.
type connection struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closing atomic.Bool

	mu      sync.Mutex
	pending map[string]chan response

	// done is closed when the read loop exits; err says why
	done chan struct{}
	err  error
}

func (c *connection) register(id string) (<-chan response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil, c.err
	default:
	}
	ch := make(chan response, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *connection) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *connection) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *connection) readLoop() {
	var err error
	defer func() {
		c.ws.Close()
		if c.closing.Load() {
			err = ErrClosed
		}
		c.mu.Lock()
		c.err = fmt.Errorf("rpc connection: %w", err)
		close(c.done)
		c.mu.Unlock()
	}()

	for {
		var message []byte
		_, message, err = c.ws.ReadMessage()
		if err != nil {
			return
		}

		var resp response
		if jerr := json.Unmarshal(message, &resp); jerr != nil {
			c.logger.Error("failed to parse rpc message", "error", jerr)
			continue
		}
		if resp.ID == "" {
			// subscription notifications are not used
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- resp:
		default:
			c.logger.Warn("duplicate rpc response", "id", resp.ID)
		}
	}
}
