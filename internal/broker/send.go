package broker

import (
	"time"

	"github.com/relaykit/sessionbroker/internal/brokererr"
	"github.com/relaykit/sessionbroker/internal/wire"
)

// Broadcast fans msg out to every currently linked user, optionally
// skipping one username (typically the sender). Application messages
// only: a type using the reserved krmx/ prefix is refused.
func (s *Server) Broadcast(msgType string, payload interface{}, skipUsername string) error {
	if wire.IsReserved(msgType) {
		return brokererr.ReservedPrefix(msgType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !statusAllows(s.status, StatusStarting, StatusListening, StatusClosing) {
		return brokererr.WrongState("broadcast", s.status.String())
	}
	s.broadcastRaw(msgType, payload, skipUsername)
	return nil
}

// Send delivers msg to exactly one linked user.
func (s *Server) Send(username, msgType string, payload interface{}) error {
	if wire.IsReserved(msgType) {
		return brokererr.ReservedPrefix(msgType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !statusAllows(s.status, StatusStarting, StatusListening, StatusClosing) {
		return brokererr.WrongState("send", s.status.String())
	}
	if !s.users.exists(username) {
		return brokererr.UserNotFound(username)
	}
	connID, ok := s.users.boundConnection(username)
	if !ok {
		return brokererr.UserNotLinked(username)
	}
	conn, ok := s.conns.get(connID)
	if !ok {
		return brokererr.UserNotLinked(username)
	}
	s.sendRaw(conn, msgType, payload, false)
	return nil
}

// broadcastRaw fans a frame (protocol or application) out to every
// currently linked connection, skipping skipUsername if non-empty. Caller
// must hold s.mu.
func (s *Server) broadcastRaw(msgType string, payload interface{}, skipUsername string) {
	for _, conn := range s.conns.linkedConnections() {
		if skipUsername != "" && conn.boundUsername() == skipUsername {
			continue
		}
		s.sendRaw(conn, msgType, payload, true)
	}
}

// sendRaw encodes and enqueues a single frame on conn. Caller must hold
// s.mu.
func (s *Server) sendRaw(conn *connection, msgType string, payload interface{}, isBroadcast bool) {
	var meta *wire.Metadata
	if s.cfg.Metadata {
		meta = &wire.Metadata{IsBroadcast: isBroadcast, Timestamp: time.Now().UTC()}
	}
	data, err := wire.Encode(msgType, payload, meta)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("type", msgType).Msg("failed to encode outbound frame")
		return
	}
	if dropped := conn.enqueue(data); dropped {
		s.cfg.Logger.Warn().Str("connectionId", conn.id).Str("type", msgType).Msg("dropping frame for slow or terminal connection")
	}
}

func (s *Server) sendRejected(conn *connection, reason string) {
	s.sendRaw(conn, wire.TypeRejected, wire.RejectedPayload{Reason: reason}, false)
}

func (s *Server) sendAccepted(conn *connection) {
	s.sendRaw(conn, wire.TypeAccepted, nil, false)
}
