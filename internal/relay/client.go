package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
)

const (
	clientWriteWait      = 10 * time.Second
	clientPongWait       = 60 * time.Second
	clientPingPeriod     = (clientPongWait * 9) / 10
	defaultRequestWait   = 10 * time.Second
	defaultHandshakeWait = 10 * time.Second
	clientMaxMessageSize = 256 << 10
)

type DialOptions struct {
	// APIKey or Token is sent in a leading auth frame when set.
	APIKey string
	Token  string
	// Codec is "json" (default) or "msgpack".
	Codec  string
	Header http.Header
	// RequestTimeout bounds each request that has no earlier deadline.
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Client is a store.Store backed by a relay server.
type Client struct {
	ws             *websocket.Conn
	codec          Codec
	connID         string
	requestTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]*store.Dispatcher
	err     error

	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumps     sync.WaitGroup
}

var _ store.Store = (*Client)(nil)

// Dial connects to a relay server, authenticates and waits for the server's
// ready frame.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Client, error) {
	codec, err := CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeWait,
		}
	}
	d := *dialer
	d.Subprotocols = []string{codec.Subprotocol()}

	ws, _, err := d.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if got := ws.Subprotocol(); got != codec.Subprotocol() && !(got == "" && codec.Subprotocol() == SubprotocolJSON) {
		_ = ws.Close()
		return nil, fmt.Errorf("relay negotiated subprotocol %q, want %q", got, codec.Subprotocol())
	}

	connID, err := handshake(ctx, ws, codec, opts)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestWait
	}
	c := &Client{
		ws:             ws,
		codec:          codec,
		connID:         connID,
		requestTimeout: requestTimeout,
		log:            logger.With("relay_conn_id", connID),
		metrics:        opts.Metrics,
		pending:        make(map[uint64]chan Frame),
		subs:           make(map[uint64]*store.Dispatcher),
		outgoing:       make(chan []byte, 64),
		done:           make(chan struct{}),
	}

	ws.SetReadLimit(clientMaxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	c.pumps.Add(2)
	go c.readPump()
	go c.writePump()
	c.log.Debug("relay_connected", "subprotocol", codec.Subprotocol())
	return c, nil
}

func handshake(ctx context.Context, ws *websocket.Conn, codec Codec, opts DialOptions) (string, error) {
	deadline := time.Now().Add(defaultHandshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)
	defer func() {
		_ = ws.SetWriteDeadline(time.Time{})
		_ = ws.SetReadDeadline(time.Time{})
	}()

	if opts.APIKey != "" || opts.Token != "" {
		msg, err := codec.Encode(Frame{Op: OpAuth, APIKey: opts.APIKey, Token: opts.Token})
		if err != nil {
			return "", err
		}
		if err := ws.WriteMessage(codec.MessageType(), msg); err != nil {
			return "", fmt.Errorf("send auth: %w", err)
		}
	}

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("await ready: %w", err)
	}
	f, err := codec.Decode(msg)
	if err != nil {
		return "", err
	}
	switch f.Op {
	case OpReady:
		return f.ConnID, nil
	case OpError:
		return "", &RemoteError{Code: f.Code, Message: f.Message}
	default:
		return "", fmt.Errorf("%w: expected ready, got %q", errBadFrame, f.Op)
	}
}

// ConnID is the server-assigned connection id.
func (c *Client) ConnID() string { return c.connID }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Write(ctx context.Context, path string, value []byte) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	_, err := c.request(ctx, Frame{Op: OpWrite, Path: path, Value: value})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	_, err := c.request(ctx, Frame{Op: OpDelete, Path: path})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	_, err := c.request(ctx, Frame{Op: OpRemove, Path: path})
	return err
}

// SubscribeNewChildren registers fn before the subscribe request goes out so
// no child frame can arrive without a receiver.
func (c *Client) SubscribeNewChildren(ctx context.Context, path string, fn func(store.Child)) (func(), error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := c.nextID.Add(1)
	d := store.NewDispatcher(fn)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.subs[id] = d
	c.mu.Unlock()
	go d.Run()

	if _, err := c.request(ctx, Frame{Op: OpSubscribe, ID: id, Path: path}); err != nil {
		c.dropSubscription(id)
		return nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if !c.dropSubscription(id) {
				return
			}
			go c.sendUnsubscribe(id)
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				unsubscribe()
			case <-d.Done():
			}
		}()
	}
	return unsubscribe, nil
}

// Close ends the connection. Pending requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	c.pumps.Wait()
	return nil
}

func (c *Client) dropSubscription(id uint64) bool {
	c.mu.Lock()
	d, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		d.Stop()
	}
	return ok
}

func (c *Client) sendUnsubscribe(sub uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	if _, err := c.request(ctx, Frame{Op: OpUnsubscribe, Sub: sub}); err != nil && !errors.Is(err, ErrClientClosed) {
		c.log.Debug("relay_unsubscribe_failed", "sub", sub, "err", err)
	}
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	if f.ID == 0 {
		f.ID = c.nextID.Add(1)
	}
	msg, err := c.codec.Encode(f)
	if err != nil {
		return Frame{}, err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Frame{}, c.err
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	select {
	case c.outgoing <- msg:
	case <-c.done:
		return Frame{}, c.Err()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, c.Err()
		}
		if resp.Op == OpError {
			c.metrics.Inc(metrics.RelayClientRequestFailures)
			return Frame{}, &RemoteError{Code: resp.Code, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) readPump() {
	defer c.pumps.Done()
	_ = c.ws.SetReadDeadline(time.Now().Add(clientPongWait))
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(clientPongWait))

		f, err := c.codec.Decode(msg)
		if err != nil {
			c.log.Warn("relay_bad_frame", "err", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Op {
	case OpChild:
		c.mu.Lock()
		d := c.subs[f.Sub]
		c.mu.Unlock()
		if d != nil {
			d.Push(store.Child{Key: f.Key, Value: f.Value})
		}
	case OpOK, OpError:
		if f.ID == 0 {
			// Connection-level error; the server closes right after it.
			c.log.Warn("relay_error", "code", f.Code, "message", f.Message)
			c.setErr(&RemoteError{Code: f.Code, Message: f.Message})
			return
		}
		c.mu.Lock()
		if ch := c.pending[f.ID]; ch != nil {
			select {
			case ch <- f:
			default:
			}
		}
		c.mu.Unlock()
	default:
		c.log.Debug("relay_unexpected_frame", "op", f.Op)
	}
}

func (c *Client) writePump() {
	defer c.pumps.Done()
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.ws.WriteMessage(c.codec.MessageType(), msg); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(clientWriteWait))
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// shutdown records the first cause, fails pending requests and stops every
// subscription. writePump closes the socket on its way out.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.setErr(cause)

		c.mu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[uint64]chan Frame)
		subs := c.subs
		c.subs = make(map[uint64]*store.Dispatcher)
		c.mu.Unlock()

		close(c.done)
		for _, d := range subs {
			d.Stop()
		}
	})
}
