// Package gateway accepts device WebSocket connections and hands each one to
// a session kernel.
//
// The gateway owns everything that happens before the hello handshake:
// upgrading the HTTP request, extracting the device identity from query
// parameters and headers, enforcing authorization and the session limit, and
// supervising the socket with heartbeats and an idle timeout. Everything
// after the upgrade is the kernel's business; the gateway only adapts the
// websocket into the kernel's Conn and waits for the session to end.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	defaultMaxSessions  = 256

	// missedPingLimit closes the connection after this many consecutive
	// unanswered pings.
	missedPingLimit = 2
)

// Close codes beyond the RFC 6455 range used by the device protocol.
const (
	// CloseMissingIdentity refuses a connection without device-id/client-id.
	CloseMissingIdentity websocket.StatusCode = 4001

	// CloseUnauthorized refuses a connection that fails authorization.
	CloseUnauthorized websocket.StatusCode = 4003
)

// Identity is everything a device presents before the hello handshake.
type Identity struct {
	// DeviceID identifies the physical device; required.
	DeviceID string

	// ClientID identifies the client installation; required.
	ClientID string

	// ClientType is the device's self-declared platform, informational.
	ClientType string

	// Token is the bearer token, taken from the Authorization header when
	// present, otherwise from the authorization query parameter (the
	// OTA-bootstrap path).
	Token string

	// Timestamp is the device's clock reading at connect time, verbatim.
	Timestamp string
}

// SessionFactory builds a ready-to-run kernel for one accepted connection.
// Implemented in the command wiring, where per-session tool registries and
// pipeline runners are assembled.
type SessionFactory func(id Identity) (*session.Kernel, error)

// Authorizer decides whether a connection may proceed. A nil Authorizer
// admits everyone.
type Authorizer func(id Identity) bool

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxSessions caps concurrent sessions. Default: 256.
func WithMaxSessions(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithPingInterval sets the heartbeat interval. Default: 30 s.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithIdleTimeout closes connections with no inbound traffic for this long.
// Default: 5 min.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithAuthorizer installs the connection authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// WithOriginPatterns sets the allowed websocket origins. Default: none,
// which restricts browsers to same-origin; devices send no Origin header.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithMetrics installs the metric instruments the mux records session counts
// on. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the device connection mux. Safe for concurrent use.
type Server struct {
	factory SessionFactory
	auth    Authorizer
	logger  *slog.Logger
	metrics *observe.Metrics

	maxSessions    int
	pingInterval   time.Duration
	idleTimeout    time.Duration
	originPatterns []string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Kernel
	closed   bool
}

// NewServer creates a connection mux that builds sessions through factory.
func NewServer(factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		factory:      factory,
		logger:       slog.Default(),
		metrics:      observe.DefaultMetrics(),
		maxSessions:  defaultMaxSessions,
		pingInterval: defaultPingInterval,
		idleTimeout:  defaultIdleTimeout,
		shutdownCh:   make(chan struct{}),
		sessions:     make(map[string]*session.Kernel),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler serving the device endpoint:
//
//	GET /ws — websocket upgrade, identity in query parameters
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting connections, cancels every live session, and
// waits for them to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("gateway: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if id.DeviceID == "" || id.ClientID == "" {
		_ = conn.Close(CloseMissingIdentity, "device-id and client-id are required")
		return
	}
	if s.auth != nil && !s.auth(id) {
		s.logger.Warn("gateway: unauthorized connection", "device_id", id.DeviceID)
		_ = conn.Close(CloseUnauthorized, "unauthorized")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		s.logger.Warn("gateway: session limit reached", "device_id", id.DeviceID, "limit", s.maxSessions)
		_ = conn.Close(websocket.StatusTryAgainLater, "session limit reached")
		return
	}
	kernel, err := s.factory(id)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("gateway: session construction failed", "device_id", id.DeviceID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	s.sessions[kernel.ID()] = kernel
	s.wg.Add(1)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(r.Context(), 1)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, kernel.ID())
		s.mu.Unlock()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.wg.Done()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	adapted := newWSConn(conn)
	go s.heartbeat(ctx, conn, cancel)
	go s.idleWatch(ctx, adapted, cancel)

	err = kernel.Run(ctx, adapted)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Client-initiated close; already closed on the wire.
	default:
		s.logger.Warn("gateway: session ended with error",
			"session_id", kernel.ID(), "device_id", id.DeviceID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session error")
	}
}

// heartbeat pings on an interval and tears the session down after
// missedPingLimit consecutive failures.
func (s *Server) heartbeat(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, s.pingInterval)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				missed++
				if missed >= missedPingLimit {
					s.logger.Warn("gateway: heartbeat lost, closing connection", "missed", missed)
					cancel()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// idleWatch closes connections that stop sending frames entirely.
func (s *Server) idleWatch(ctx context.Context, conn *wsConn, cancel context.CancelFunc) {
	interval := s.idleTimeout / 4
	if interval <= 0 {
		interval = s.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(conn.lastActivity()) > s.idleTimeout {
				s.logger.Info("gateway: closing idle connection")
				cancel()
				return
			}
		}
	}
}

// identityFromRequest extracts the device identity. The Authorization header
// wins over the authorization query parameter when both are present.
func identityFromRequest(r *http.Request) Identity {
	q := r.URL.Query()
	id := Identity{
		DeviceID:   q.Get("device-id"),
		ClientID:   q.Get("client-id"),
		ClientType: q.Get("client_type"),
		Token:      q.Get("authorization"),
		Timestamp:  q.Get("timestamp"),
	}
	if h := r.Header.Get("Authorization"); h != "" {
		id.Token = h
	}
	id.Token = strings.TrimPrefix(id.Token, "Bearer ")
	return id
}

// wsConn adapts a coder/websocket connection to the kernel's Conn and tracks
// inbound activity for the idle watcher.
type wsConn struct {
	conn *websocket.Conn
	last atomic.Int64 // unix nanos of the last inbound frame
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn}
	c.last.Store(time.Now().UnixNano())
	return c
}

func (c *wsConn) Read(ctx context.Context) (session.FrameKind, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	c.last.Store(time.Now().UnixNano())
	switch typ {
	case websocket.MessageBinary:
		return session.FrameBinary, data, nil
	default:
		return session.FrameText, data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, kind session.FrameKind, data []byte) error {
	typ := websocket.MessageText
	if kind == session.FrameBinary {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

func (c *wsConn) lastActivity() time.Time {
	return time.Unix(0, c.last.Load())
}

// Ensure the adapter satisfies the kernel's transport contract.
var _ session.Conn = (*wsConn)(nil)
