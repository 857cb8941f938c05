// Package broker implements the session broker: the connection and user
// registries, the link state machine, the broadcast/send engine, and the
// server lifecycle that ties them together behind a WebSocket endpoint.
package broker

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/sessionbroker/internal/brokererr"
	"github.com/relaykit/sessionbroker/internal/events"
)

// Server is the process-wide broker: one connection registry, one user
// registry, one event dispatcher, and a status machine gating every
// public operation. All mutations of registry or link state are
// serialized through mu; listeners run synchronously on the mutating
// path, as the single-threaded cooperative model requires. mu nests for
// the goroutine already holding it, so a listener invoked on the
// mutating path may call Send/Broadcast/Kick/Join/Unlink itself (see
// lock.go).
type Server struct {
	mu     reentrantMutex
	status Status
	cfg    Config

	bus   *events.Bus
	conns *connectionRegistry
	users *userRegistry

	upgrader websocket.Upgrader
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer constructs a Server in the initializing state. It does not
// bind anything until Listen is called.
func NewServer(opts ...Option) *Server {
	cfg := newConfig(opts...)
	return &Server{
		status: StatusInitializing,
		cfg:    cfg,
		bus:    events.NewBus(),
		conns:  newConnectionRegistry(),
		users:  newUserRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Status reports the server's current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Users returns every known username in an unspecified order, regardless
// of link state.
func (s *Server) Users() []string {
	return s.users.usernames()
}

// Join pre-provisions a user that no client has linked to yet, e.g. to
// seed a roster while AcceptNewUsers is false. It is the same transition
// a krmx/link from a brand-new username triggers, exposed as a direct
// method call for callers that need to create a user without a
// connection attached to it yet.
func (s *Server) Join(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !statusAllows(s.status, StatusStarting, StatusListening, StatusClosing) {
		return brokererr.WrongState("join", s.status.String())
	}
	if !s.cfg.IsValidUsername(username) {
		return brokererr.InvalidUsername(username)
	}
	if s.users.exists(username) {
		return brokererr.UserAlreadyExists(username)
	}
	s.doJoin(username)
	return nil
}

// Unlink forces the given user's connection, if any, to unbind, as if
// that connection had sent krmx/unlink itself. The user itself remains
// registered; only Kick (or the client sending krmx/leave) removes it.
func (s *Server) Unlink(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !statusAllows(s.status, StatusStarting, StatusListening, StatusClosing) {
		return brokererr.WrongState("unlink", s.status.String())
	}
	if !s.users.exists(username) {
		return brokererr.UserNotFound(username)
	}
	if !s.users.isLinked(username) {
		return brokererr.UserNotLinked(username)
	}
	s.doUnlink(username)
	return nil
}

// Kick forces the given user to leave, as if it had sent krmx/leave
// itself. Apart from Close, which makes every remaining user leave, it is
// the only leave trigger the server exposes as a direct method call
// rather than a client-originated frame.
func (s *Server) Kick(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !statusAllows(s.status, StatusStarting, StatusListening, StatusClosing) {
		return brokererr.WrongState("kick", s.status.String())
	}
	if !s.users.exists(username) {
		return brokererr.UserNotFound(username)
	}
	s.doLeave(username)
	return nil
}

// Handler returns the http.HandlerFunc that performs the accept-gate
// check, upgrades to a WebSocket, and runs the connection's read loop
// for as long as the socket stays open. Mount it at cfg.HTTPPath when
// composing the broker into an existing HTTP host.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st := s.Status(); st == StatusClosing || st == StatusClosed {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !s.cfg.acceptGate(r.URL.Query()) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		if s.cfg.PingInterval > 0 {
			deadline := time.Duration(s.cfg.PingInterval) * 2 * time.Second
			_ = wsConn.SetReadDeadline(time.Now().Add(deadline))
			wsConn.SetPongHandler(func(string) error {
				return wsConn.SetReadDeadline(time.Now().Add(deadline))
			})
		}
		s.serveSocket(wsConn)
	}
}

// serveSocket registers socket as a new connection, starts its write and
// (optional) ping pumps, and blocks running its read loop until the
// socket closes. Split out of Handler so it can be driven directly
// against an in-memory Socket in tests.
func (s *Server) serveSocket(socket Socket) {
	conn := newConnection(socket)

	s.mu.Lock()
	s.conns.add(conn)
	s.mu.Unlock()

	go conn.writePump()
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(conn)
	}
	s.readLoop(conn)
}

// pingLoop sends transport-level keepalive pings until the connection
// goes terminal or a write fails. Liveness is not part of the wire
// protocol itself (see the design notes on ping/pong); this is purely a
// dead-peer detector.
func (s *Server) pingLoop(conn *connection) {
	ticker := time.NewTicker(time.Duration(s.cfg.PingInterval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if conn.isTerminal() {
			return
		}
		if err := conn.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// readLoop blocks reading frames off conn until the socket errors or
// closes, handing each one to the link state machine, then tears the
// connection down.
func (s *Server) readLoop(conn *connection) {
	for {
		_, raw, err := conn.socket.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(conn, raw)
	}
	s.onConnectionClosed(conn)
}

func (s *Server) onConnectionClosed(conn *connection) {
	s.mu.Lock()
	if username := conn.boundUsername(); username != "" {
		s.doUnlink(username)
	}
	s.conns.remove(conn.id)
	s.mu.Unlock()
	conn.markTerminal()
}

// Listen moves the server from initializing to listening. If cfg.HTTPServer
// was supplied, the broker mounts itself onto that host instead of
// binding its own socket: a *http.ServeMux gets a route at HTTPPath, and
// any other handler (e.g. a gin engine) is wrapped so that requests for
// exactly HTTPPath reach the broker and all others reach the original
// handler. A non-zero port argument that disagrees with the host's actual
// port is an error.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	if s.status != StatusInitializing {
		s.mu.Unlock()
		return brokererr.WrongState("listen", s.status.String())
	}
	s.status = StatusStarting
	s.mu.Unlock()

	var actualPort int
	var err error
	if s.cfg.HTTPServer != nil {
		actualPort, err = s.mountOnExistingHost(port)
	} else {
		actualPort, err = s.bindOwnListener(port)
	}
	if err != nil {
		s.mu.Lock()
		s.status = StatusInitializing
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.status = StatusListening
	s.mu.Unlock()
	s.bus.Emit(eventListen, actualPort)
	return nil
}

func (s *Server) mountOnExistingHost(port int) (int, error) {
	ws := s.Handler()
	switch host := s.cfg.HTTPServer.Handler.(type) {
	case *http.ServeMux:
		host.Handle(s.cfg.HTTPPath, ws)
	case nil:
		mux := http.NewServeMux()
		mux.Handle(s.cfg.HTTPPath, ws)
		s.cfg.HTTPServer.Handler = mux
	default:
		path := s.cfg.HTTPPath
		s.cfg.HTTPServer.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				ws(w, r)
				return
			}
			host.ServeHTTP(w, r)
		})
	}

	actualPort := portFromAddr(s.cfg.HTTPServer.Addr)
	if port != 0 && actualPort != 0 && port != actualPort {
		return 0, &brokererr.Error{
			Sentinel: brokererr.ErrListenConflict,
			Detail:   fmt.Sprintf("server already listening on port %d, cannot also listen on %d", actualPort, port),
		}
	}
	return actualPort, nil
}

func (s *Server) bindOwnListener(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("broker: listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.HTTPPath, s.Handler())
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error().Err(err).Msg("http server stopped serving")
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func portFromAddr(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

// Close tears the server down: every remaining user leaves (unlink then
// leave, per user, in registry order), every connection is terminated,
// the owned listener (if any) is closed, and a close event fires once
// everything has settled. A caller-provided HTTP host is left running;
// the broker's handler stays mounted on it but refuses further WebSocket
// upgrades.
func (s *Server) Close() error {
	s.mu.Lock()
	if !statusAllows(s.status, StatusStarting, StatusListening) {
		s.mu.Unlock()
		return brokererr.WrongState("close", s.status.String())
	}
	s.status = StatusClosing

	for _, username := range s.users.usernames() {
		s.doLeave(username)
	}
	conns := s.conns.all()
	listener := s.listener
	s.mu.Unlock()

	for _, c := range conns {
		c.markTerminal()
		_ = c.socket.Close()
	}
	if listener != nil {
		_ = listener.Close()
	}

	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()

	s.bus.Emit(eventClose)
	return nil
}
