// Package bridge serves the bridge protocol over websockets. Each
// connection gets one reader goroutine, one dispatch loop that handles
// client messages strictly in order, one writer goroutine, and one output
// pump per session it follows.
package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/guard"
	"github.com/tinkerbelle-io/tb-shellguard/internal/protocol"
	"github.com/tinkerbelle-io/tb-shellguard/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	outBuffer  = 256
)

// Disconnect policies.
const (
	DetachOnDisconnect = "detach"
	KillOnDisconnect   = "kill"
)

// Registry is the session registry as seen by a connection.
type Registry interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Summary, error)
	Write(ctx context.Context, w session.WriteRequest) (guard.Decision, error)
	Resize(ctx context.Context, id, clientID string, cols, rows uint16) error
	Kill(ctx context.Context, id, clientID, reason string) error
	Release(ctx context.Context, id, clientID, reason string) error
	List(clientID string) []session.Summary
	Subscribe(id, clientID string) (*session.Subscription, error)
}

// Appender commits audit events.
type Appender interface {
	Append(ctx context.Context, ev audit.Event) (audit.Entry, error)
}

// Observer is told about connections and lost output.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	OutputDropped(n int64)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()   {}
func (nopObserver) ConnectionClosed()   {}
func (nopObserver) OutputDropped(int64) {}

// Options configures a Server.
type Options struct {
	// Tokens maps bearer tokens to principals. Empty disables authentication.
	Tokens         map[string]string
	AllowedOrigins []string
	OnDisconnect   string
	MaxFrameBytes  int64
	Observer       Observer
}

// Server upgrades HTTP requests to bridge connections.
type Server struct {
	reg      Registry
	audit    Appender
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewServer creates a Server.
func NewServer(reg Registry, a Appender, opts Options) *Server {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	if opts.OnDisconnect == "" {
		opts.OnDisconnect = DetachOnDisconnect
	}
	s := &Server{
		reg:    reg,
		audit:  a,
		opts:   opts,
		conns:  make(map[*conn]struct{}),
		logger: slog.Default().With("component", "bridge"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return sameHost(origin, r.Host)
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func sameHost(origin, host string) bool {
	_, rest, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(rest, host)
}

// authenticate resolves the principal for r. ok is false when a token is
// required and missing or wrong.
func (s *Server) authenticate(r *http.Request) (principal string, ok bool, reason string) {
	if len(s.opts.Tokens) == 0 {
		return "", true, "auth-disabled"
	}
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false, "malformed-authorization"
		}
		token = strings.TrimSpace(value)
	}
	if token == "" {
		return "", false, "missing-token"
	}
	for t, p := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			principal = p
			ok = true
		}
	}
	if !ok {
		return "", false, "invalid-token"
	}
	return principal, true, "token"
}

// clientID picks the identity that owns sessions and rate-limit buckets: the
// principal when authenticated, otherwise the remote host. Nothing the client
// sends can choose it.
func clientID(r *http.Request, principal string) string {
	if principal != "" {
		return principal
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "anon-" + host
}

// ServeHTTP authenticates, audits and upgrades the request, then serves the
// connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok, reason := s.authenticate(r)
	cid := clientID(r, principal)
	origin := r.URL.Query().Get("origin")

	_, err := s.audit.Append(r.Context(), audit.Event{Type: audit.EventAuthentication, Payload: audit.AuthPayload{
		ClientID:   cid,
		Principal:  principal,
		RemoteAddr: r.RemoteAddr,
		Origin:     origin,
		Success:    ok,
		Reason:     reason,
	}})
	if err != nil {
		s.logger.Error("connection refused: audit write failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "audit unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		s.logger.Warn("authentication failed", "remote", r.RemoteAddr, "reason", reason)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, cid, principal, origin == "ai")
	if !s.track(c) {
		c.cancel()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		ws.Close()
		return
	}
	defer s.untrack(c)
	s.opts.Observer.ConnectionOpened()
	defer s.opts.Observer.ConnectionClosed()
	c.logger.Info("client connected", "remote", r.RemoteAddr, "principal", principal, "ai", c.ai)
	c.serve()
	c.logger.Info("client disconnected")
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close disconnects every client and refuses new ones. Disconnected
// sessions follow the disconnect policy.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.cancel()
	}
	s.mu.Unlock()
}

// conn is one client connection.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	id        string
	clientID  string
	principal string
	ai        bool

	ctx    context.Context
	cancel context.CancelFunc
	out    chan any

	// Owned by the dispatch loop.
	subs  map[string]context.CancelFunc
	ended chan string

	logger *slog.Logger
}

func newConn(s *Server, ws *websocket.Conn, clientID, principal string, ai bool) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &conn{
		srv:       s,
		ws:        ws,
		id:        id,
		clientID:  clientID,
		principal: principal,
		ai:        ai,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan any, outBuffer),
		subs:      make(map[string]context.CancelFunc),
		ended:     make(chan string, 16),
		logger:    s.logger.With("conn", id, "client", clientID),
	}
}

func (c *conn) serve() {
	inbound := make(chan []byte)
	writerDone := make(chan struct{})
	go c.readLoop(inbound)
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	c.dispatch(inbound)

	c.cancel()
	c.disconnect()
	<-writerDone
	c.ws.Close()
}

func (c *conn) readLoop(inbound chan<- []byte) {
	defer close(inbound)
	c.ws.SetReadLimit(c.srv.opts.MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			c.send(errorMessage(fmt.Errorf("%w: binary frames are not accepted", protocol.ErrMalformedMessage), ""))
			continue
		}
		select {
		case inbound <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// send queues a frame for the writer. It blocks while the client is slow,
// which pushes back on the output pumps and never on a shell.
func (c *conn) send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// disconnect stops all pumps and applies the disconnect policy.
func (c *conn) disconnect() {
	ids := make([]string, 0, len(c.subs))
	for id, stop := range c.subs {
		stop()
		ids = append(ids, id)
	}
	if c.srv.opts.OnDisconnect != KillOnDisconnect {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, id := range ids {
		if err := c.srv.reg.Release(ctx, id, c.clientID, session.ReasonDisconnect); err != nil {
			c.logger.Warn("kill on disconnect failed", "session", id, "error", err)
		}
	}
}
