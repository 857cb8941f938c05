package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket is the subset of *gorilla/websocket.Conn the broker depends on.
// Tests substitute an in-memory fake; production code passes a real
// *websocket.Conn, which satisfies this interface structurally.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const sendBufferSize = 256

// connection is one WebSocket session, tracked by its opaque id. Never
// reused across reconnects: a dropped socket always produces a fresh id.
type connection struct {
	id     string
	socket Socket
	send   chan []byte

	mu       sync.Mutex
	username string // empty when unlinked
	terminal bool
}

func newConnection(socket Socket) *connection {
	return &connection{
		id:     uuid.NewString(),
		socket: socket,
		send:   make(chan []byte, sendBufferSize),
	}
}

func (c *connection) boundUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *connection) isLinked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username != ""
}

func (c *connection) isTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *connection) setUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// enqueue pushes a frame onto the connection's outbound buffer without
// blocking the caller. It is a no-op on a terminal connection (invariant
// 7: no frame is emitted on a terminated connection). If the buffer is
// full the connection is treated as a slow consumer: the frame is dropped
// and a warning is logged by the caller.
func (c *connection) enqueue(frame []byte) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return true
	}
	select {
	case c.send <- frame:
		return false
	default:
		return true
	}
}

// markTerminal flips the connection to terminal and closes its send
// channel so the write pump exits. Safe to call more than once.
func (c *connection) markTerminal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return
	}
	c.terminal = true
	close(c.send)
}

// writePump drains the outbound buffer onto the socket. Runs in its own
// goroutine for the lifetime of the connection.
func (c *connection) writePump() {
	for frame := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// connectionRegistry tracks open sockets keyed by opaque connection id.
type connectionRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{byID: make(map[string]*connection)}
}

func (r *connectionRegistry) add(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.id] = c
}

func (r *connectionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *connectionRegistry) get(id string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// linkedConnections returns every connection currently bound to a user,
// in an unspecified but stable-for-this-call order.
func (r *connectionRegistry) linkedConnections() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.byID))
	for _, c := range r.byID {
		if c.isLinked() {
			out = append(out, c)
		}
	}
	return out
}

func (r *connectionRegistry) all() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

func (r *connectionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
