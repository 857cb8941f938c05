// Package wire implements the JSON frame protocol exchanged between the
// broker and its WebSocket clients: encoding/decoding, the reserved "krmx/"
// message namespace, and the protocol message catalogue.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReservedPrefix marks a message type as owned by the protocol itself.
// Application messages must never use it.
const ReservedPrefix = "krmx/"

// Protocol message type constants, client -> server and server -> client.
const (
	TypeLink     = "krmx/link"
	TypeUnlink   = "krmx/unlink"
	TypeLeave    = "krmx/leave"
	TypeAccepted = "krmx/accepted"
	TypeRejected = "krmx/rejected"
	TypeJoined   = "krmx/joined"
	TypeLinked   = "krmx/linked"
	TypeUnlinked = "krmx/unlinked"
	TypeLeft     = "krmx/left"
)

// IsReserved reports whether a message type belongs to the protocol
// namespace rather than to an application.
func IsReserved(msgType string) bool {
	return strings.HasPrefix(msgType, ReservedPrefix)
}

// Message is a decoded inbound or to-be-encoded outbound frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Metadata decorates outbound frames when the server enables it.
type Metadata struct {
	IsBroadcast bool      `json:"isBroadcast"`
	Timestamp   time.Time `json:"timestamp"`
}

// Outbound is a frame ready to be marshaled onto the wire. Metadata is
// nil unless metadata decoration is enabled on the server.
type Outbound struct {
	Type     string      `json:"type"`
	Payload  interface{} `json:"payload,omitempty"`
	Metadata *Metadata   `json:"metadata,omitempty"`
}

// Decode parses a single WebSocket text frame. Any shape other than a JSON
// object carrying a string "type" field is a decode error; unknown
// top-level fields are ignored so the protocol stays forward compatible.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: invalid frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("wire: frame missing string \"type\" field")
	}
	return msg, nil
}

// Encode marshals an outbound message, optionally stamping metadata.
func Encode(msgType string, payload interface{}, meta *Metadata) ([]byte, error) {
	out := Outbound{Type: msgType, Payload: payload, Metadata: meta}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msgType, err)
	}
	return data, nil
}

// LinkPayload is the payload of a client-originated krmx/link message.
type LinkPayload struct {
	Username string `json:"username"`
	Version  string `json:"version"`
	Auth     string `json:"auth,omitempty"`
}

// ParseLinkPayload decodes and shape-checks a krmx/link payload.
func ParseLinkPayload(raw json.RawMessage) (LinkPayload, error) {
	var p LinkPayload
	if len(raw) == 0 {
		return LinkPayload{}, fmt.Errorf("wire: link payload missing")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return LinkPayload{}, fmt.Errorf("wire: invalid link payload: %w", err)
	}
	if p.Username == "" || p.Version == "" {
		return LinkPayload{}, fmt.Errorf("wire: link payload missing username or version")
	}
	return p, nil
}

// RejectedPayload is the payload of a server-originated krmx/rejected message.
type RejectedPayload struct {
	Reason string `json:"reason"`
}

// UsernamePayload is the shared payload shape of krmx/joined, krmx/linked,
// krmx/unlinked and krmx/left.
type UsernamePayload struct {
	Username string `json:"username"`
}
