package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/auth"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/metrics"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/origin"
	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
)

const (
	wsWriteWait = 2 * time.Second

	// outboxBytes bounds the encoded frames waiting for one slow client.
	outboxBytes = 1 << 20

	maxCloseReason = 123
)

// Server implements GET /relay: one WebSocket per peer, each request frame
// applied to the shared store.
type Server struct {
	cfg      config.Config
	store    store.Store
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	conns    *ConnManager
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, st store.Store, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if st == nil {
		return nil, errors.New("relay: store is required")
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := origin.NewPolicy(cfg.AllowedOrigins)
	conns := NewConnManager(cfg.MaxSessions, m)
	m.RegisterGauge(metrics.GaugeRelayConnections, conns.Len)
	return &Server{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		metrics:  m,
		log:      logger,
		conns:    conns,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{SubprotocolJSON, SubprotocolMsgpack},
			CheckOrigin:  policy.CheckRequest,
		},
	}, nil
}

func (s *Server) Conns() *ConnManager { return s.conns }

// Shutdown closes every live connection. http.Server.Shutdown does not reach
// hijacked connections, so callers run both.
func (s *Server) Shutdown() { s.conns.CloseAll() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	codec := CodecFor(ws.Subprotocol())
	s.metrics.Inc(metrics.RelayConnections)
	defer s.metrics.Inc(metrics.RelayDisconnects)

	if s.cfg.MaxRelayMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxRelayMessageBytes)
	}

	claims, ok := s.authenticate(ws, codec, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		codec:   codec,
		claims:  claims,
		out:     newOutbox(outboxBytes),
		metrics: s.metrics,
		subs:    make(map[uint64]func()),
		done:    make(chan struct{}),
	}
	if err := s.conns.add(c); err != nil {
		reject(ws, codec, websocket.CloseTryAgainLater, CodeTooManySessions, err.Error())
		return
	}
	defer s.conns.remove(c.id)

	log := s.log.With("conn_id", c.id)
	log.Info("relay_conn_open",
		"remote", r.RemoteAddr,
		"subprotocol", codec.Subprotocol(),
		"room", claims.Room,
		"participant", claims.Participant,
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go c.pingLoop(durationOr(s.cfg.RelayWSPingInterval, config.DefaultRelayWSPingInterval))

	c.send(Frame{Op: OpReady, ConnID: c.id})

	idle := durationOr(s.cfg.RelayWSIdleTimeout, config.DefaultRelayWSIdleTimeout)
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	var limiter *rate.Limiter
	if n := s.cfg.MaxRelayMessagesPerSecond; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				log.Debug("relay_conn_read_failed", "err", err)
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))

		if limiter != nil && !limiter.Allow() {
			s.metrics.Inc(metrics.RelayRateLimited)
			log.Warn("relay_conn_rate_limited")
			c.fail(websocket.ClosePolicyViolation, CodeRateLimited, "too many messages")
			break
		}
		f, err := codec.Decode(msg)
		if err != nil {
			s.metrics.Inc(metrics.RelayBadFrame)
			log.Debug("relay_bad_frame", "err", err)
			c.fail(websocket.CloseUnsupportedData, CodeBadFrame, err.Error())
			break
		}
		s.handle(ctx, c, f)
	}

	cancel()
	c.releaseSubscriptions()
	c.shutdown(websocket.CloseNormalClosure, "")
	<-writerDone
	log.Info("relay_conn_closed")
}

// authenticate settles the connection's credential from the query string or
// from a leading auth frame. On failure the connection is already closed.
func (s *Server) authenticate(ws *websocket.Conn, codec Codec, r *http.Request) (auth.Claims, bool) {
	if s.cfg.AuthMode == config.AuthModeNone {
		return auth.Claims{}, true
	}

	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err == nil {
		return s.verify(ws, codec, cred)
	}
	if !errors.Is(err, auth.ErrMissingCredentials) {
		reject(ws, codec, websocket.CloseInternalServerErr, CodeInternal, "invalid auth configuration")
		return auth.Claims{}, false
	}

	_ = ws.SetReadDeadline(time.Now().Add(durationOr(s.cfg.RelayAuthTimeout, config.DefaultRelayAuthTimeout)))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.metrics.Inc(metrics.RelayAuthFailure)
			reject(ws, codec, websocket.ClosePolicyViolation, CodeUnauthorized, "authentication timeout")
		} else {
			_ = ws.Close()
		}
		return auth.Claims{}, false
	}

	f, err := codec.Decode(msg)
	if err != nil || f.Op != OpAuth {
		s.metrics.Inc(metrics.RelayAuthFailure)
		reject(ws, codec, websocket.ClosePolicyViolation, CodeUnauthorized, "authentication required")
		return auth.Claims{}, false
	}
	if f.APIKey != "" && f.Token != "" && f.APIKey != f.Token {
		s.metrics.Inc(metrics.RelayAuthFailure)
		reject(ws, codec, websocket.ClosePolicyViolation, CodeBadFrame, "invalid auth message")
		return auth.Claims{}, false
	}
	cred, err = auth.CredentialFromAuthMessage(s.cfg.AuthMode, auth.WireAuthMessage{
		Type:   string(OpAuth),
		APIKey: f.APIKey,
		Token:  f.Token,
	})
	if err != nil {
		s.metrics.Inc(metrics.RelayAuthFailure)
		reject(ws, codec, websocket.ClosePolicyViolation, CodeUnauthorized, "missing credentials")
		return auth.Claims{}, false
	}
	return s.verify(ws, codec, cred)
}

func (s *Server) verify(ws *websocket.Conn, codec Codec, cred string) (auth.Claims, bool) {
	claims, err := s.verifier.Verify(cred)
	if err != nil {
		s.metrics.Inc(metrics.RelayAuthFailure)
		reject(ws, codec, websocket.ClosePolicyViolation, CodeUnauthorized, "invalid credentials")
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *Server) handle(ctx context.Context, c *conn, f Frame) {
	switch f.Op {
	case OpAuth:
		// Credentials were settled when the connection opened.
	case OpWrite, OpDelete, OpRemove:
		if !c.claims.AllowsWrite(f.Path) {
			s.metrics.Inc(metrics.RelayForbiddenPath)
			c.reply(f.ID, fmt.Errorf("%w: %s", ErrForbiddenPath, f.Path))
			return
		}
		var err error
		switch f.Op {
		case OpWrite:
			if err = s.store.Write(ctx, f.Path, f.Value); err == nil {
				s.metrics.Inc(metrics.RelayWrites)
			}
		case OpDelete:
			if err = s.store.Delete(ctx, f.Path); err == nil {
				s.metrics.Inc(metrics.RelayDeletes)
			}
		case OpRemove:
			if err = s.store.Remove(ctx, f.Path); err == nil {
				s.metrics.Inc(metrics.RelayRemoves)
			}
		}
		c.reply(f.ID, err)
	case OpSubscribe:
		s.subscribe(ctx, c, f)
	case OpUnsubscribe:
		c.unsubscribe(f.Sub)
		c.reply(f.ID, nil)
	default:
		s.metrics.Inc(metrics.RelayBadFrame)
		c.reply(f.ID, fmt.Errorf("%w: unexpected op %q", errBadFrame, f.Op))
	}
}

func (s *Server) subscribe(ctx context.Context, c *conn, f Frame) {
	if f.ID == 0 {
		c.reply(0, fmt.Errorf("%w: subscribe requires an id", errBadFrame))
		return
	}
	if !c.claims.AllowsPath(f.Path) {
		s.metrics.Inc(metrics.RelayForbiddenPath)
		c.reply(f.ID, fmt.Errorf("%w: %s", ErrForbiddenPath, f.Path))
		return
	}

	sub := f.ID
	c.mu.Lock()
	if _, dup := c.subs[sub]; dup {
		c.mu.Unlock()
		c.reply(f.ID, fmt.Errorf("%w: subscription %d already active", errBadFrame, sub))
		return
	}
	if limit := s.cfg.MaxSubscriptionsPerConn; limit > 0 && len(c.subs) >= limit {
		c.mu.Unlock()
		c.reply(f.ID, ErrTooManySubscriptions)
		return
	}
	c.subs[sub] = nil
	c.mu.Unlock()

	unsubscribe, err := s.store.SubscribeNewChildren(ctx, f.Path, func(child store.Child) {
		s.metrics.Inc(metrics.RelayChildrenDelivered)
		c.send(Frame{Op: OpChild, Sub: sub, Key: child.Key, Value: child.Value})
	})
	c.mu.Lock()
	if err != nil {
		delete(c.subs, sub)
	} else {
		c.subs[sub] = unsubscribe
	}
	c.mu.Unlock()
	if err == nil {
		s.metrics.Inc(metrics.RelaySubscriptions)
	}
	c.reply(f.ID, err)
}

// conn is one accepted relay connection.
type conn struct {
	id      string
	ws      *websocket.Conn
	codec   Codec
	claims  auth.Claims
	out     *outbox
	metrics *metrics.Metrics

	mu          sync.Mutex
	subs        map[uint64]func() // subscribe request id -> unsubscribe
	closing     bool
	closeCode   int
	closeReason string
	done        chan struct{}
}

func (c *conn) send(f Frame) {
	msg, err := c.codec.Encode(f)
	if err != nil {
		return
	}
	if err := c.out.Enqueue(msg); errors.Is(err, errOutboxFull) {
		c.metrics.Inc(metrics.RelaySendQueueOverflow)
		c.shutdown(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

func (c *conn) reply(id uint64, err error) {
	if err == nil {
		c.send(Frame{Op: OpOK, ID: id})
		return
	}
	c.send(Frame{Op: OpError, ID: id, Code: errorCode(err), Message: err.Error()})
}

// fail sends a final error frame and closes the connection after it.
func (c *conn) fail(wsCode int, code, message string) {
	c.send(Frame{Op: OpError, Code: code, Message: message})
	c.shutdown(wsCode, message)
}

// shutdown stops accepting frames; the writer flushes what is queued, sends
// the close frame and closes the socket.
func (c *conn) shutdown(code int, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.closeCode = code
	c.closeReason = truncateReason(reason)
	close(c.done)
	c.mu.Unlock()
	c.out.Close()
}

func (c *conn) writeLoop() {
	for {
		msg, ok := c.out.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(c.codec.MessageType(), msg); err != nil {
			c.out.Discard()
			break
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code != 0 {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}
	_ = c.ws.Close()
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *conn) unsubscribe(sub uint64) {
	c.mu.Lock()
	fn := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *conn) releaseSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]func())
	c.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

func (c *conn) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// reject writes an error frame and a close frame directly; it is used before
// the connection's writer exists.
func reject(ws *websocket.Conn, codec Codec, wsCode int, code, message string) {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if msg, err := codec.Encode(Frame{Op: OpError, Code: code, Message: message}); err == nil {
		_ = ws.WriteMessage(codec.MessageType(), msg)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(wsCode, truncateReason(message)), time.Now().Add(wsWriteWait))
	_ = ws.Close()
}

// truncateReason fits reason into a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
