package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaykit/sessionbroker/internal/wire"
)

// fakeSocket is an in-memory Socket used by every test in this package
// instead of a real *websocket.Conn. It buffers outbound frames so tests
// can assert on exactly what the broker decided to send.
type fakeSocket struct {
	mu      sync.Mutex
	out     [][]byte
	inbox   chan []byte
	closed  bool
	closeCh chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbox:   make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errSocketClosed
	}
	cp := append([]byte(nil), data...)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return 0, nil, errSocketClosed
		}
		return 1, data, nil
	case <-f.closeCh:
		return 0, nil, errSocketClosed
	}
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.closeCh)
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeSocket) SetPongHandler(h func(string) error) {}

// send pushes a client->server frame into the fake connection's read loop.
func (f *fakeSocket) send(msgType string, payload interface{}) {
	raw, err := json.Marshal(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload})
	if err != nil {
		panic(err)
	}
	f.inbox <- raw
}

// sendRawBytes pushes an arbitrary (possibly malformed) frame.
func (f *fakeSocket) sendRawBytes(data []byte) {
	f.inbox <- data
}

// frames drains and decodes every frame written so far.
func (f *fakeSocket) frames() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Message, 0, len(f.out))
	for _, raw := range f.out {
		msg, err := wire.Decode(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, msg)
	}
	return out
}

// frameTypes is a convenience for asserting on ordering alone.
func (f *fakeSocket) frameTypes() []string {
	msgs := f.frames()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// decodeInto unmarshals a decoded frame's raw payload into dst.
func decodeInto(raw json.RawMessage, dst interface{}) error {
	return json.Unmarshal(raw, dst)
}

type fakeSocketError string

func (e fakeSocketError) Error() string { return string(e) }

const errSocketClosed = fakeSocketError("fakesocket: closed")
