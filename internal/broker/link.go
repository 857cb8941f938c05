package broker

import (
	"fmt"
	"sync"

	"github.com/relaykit/sessionbroker/internal/wire"
)

// handleFrame routes one inbound frame to the unlinked or linked
// handler depending on the connection's current binding, serialized
// under the server's single state lock.
func (s *Server) handleFrame(conn *connection, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.isLinked() {
		s.handleLinkedFrame(conn, raw)
	} else {
		s.handleUnlinkedFrame(conn, raw)
	}
}

// handleUnlinkedFrame implements the krmx/link handshake. Runs under
// s.mu for its whole duration except while awaiting any async
// authenticate listeners, which it suspends around explicitly.
func (s *Server) handleUnlinkedFrame(conn *connection, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		s.sendRejected(conn, "invalid message")
		return
	}
	if msg.Type != wire.TypeLink {
		s.sendRejected(conn, "unlinked connection")
		return
	}
	payload, err := wire.ParseLinkPayload(msg.Payload)
	if err != nil {
		s.sendRejected(conn, "invalid link request")
		return
	}
	if reason, ok := wire.VersionMismatchReason(s.cfg.ProtocolVersion, payload.Version); !ok {
		s.sendRejected(conn, reason)
		return
	}
	if !s.cfg.IsValidUsername(payload.Username) {
		s.sendRejected(conn, "invalid username")
		return
	}

	username := payload.Username
	isNewUser := !s.users.exists(username)
	if isNewUser && !s.cfg.AcceptNewUsers {
		s.sendRejected(conn, "server is not accepting new users")
		return
	}
	if !isNewUser && s.users.isLinked(username) {
		s.sendRejected(conn, alreadyLinkedReason(username))
		return
	}

	reason, ok := s.runAuthenticate(username, isNewUser, payload.Auth)
	if !ok {
		s.sendRejected(conn, reason)
		return
	}

	// TOCTOU re-check: an async authenticate listener suspends with s.mu
	// released, so a racing link attempt may have changed this user's
	// state while we waited.
	if isNewUser && s.users.exists(username) {
		isNewUser = false
	}
	if !isNewUser && s.users.isLinked(username) {
		s.sendRejected(conn, alreadyLinkedReason(username))
		return
	}

	s.sendAccepted(conn)
	if isNewUser {
		s.doJoin(username)
	}
	s.doLink(conn, username)
}

func alreadyLinkedReason(username string) string {
	return fmt.Sprintf("user %s is already linked to a connection", username)
}

// runAuthenticate emits the authenticate event and, if any listener
// registered an async check via markAsync, releases s.mu and awaits each
// one in turn before re-acquiring it. Always returns with s.mu held.
func (s *Server) runAuthenticate(username string, isNewUser bool, auth string) (reason string, ok bool) {
	var rmu sync.Mutex
	var rejected bool
	var rejectReason string

	reject := RejectFunc(func(r string) {
		rmu.Lock()
		defer rmu.Unlock()
		if !rejected {
			rejected = true
			rejectReason = r
		}
	})

	var asyncFns []AsyncAuth
	markAsync := MarkAsyncFunc(func(fn AsyncAuth) {
		asyncFns = append(asyncFns, fn)
	})

	s.bus.Emit(eventAuthenticate, username, isNewUser, auth, reject, markAsync)

	if len(asyncFns) > 0 {
		s.mu.Unlock()
		for _, fn := range asyncFns {
			fn(reject)
		}
		s.mu.Lock()
	}

	rmu.Lock()
	defer rmu.Unlock()
	if rejected {
		return rejectReason, false
	}
	return "", true
}

// handleLinkedFrame implements §4.5.2: a second krmx/link or an explicit
// krmx/unlink restarts the session; krmx/leave tears the user down;
// any other reserved type is protocol abuse and forces an unlink;
// everything else is an application message.
func (s *Server) handleLinkedFrame(conn *connection, raw []byte) {
	username := conn.boundUsername()
	msg, err := wire.Decode(raw)
	if err != nil {
		s.doUnlink(username)
		return
	}
	switch {
	case msg.Type == wire.TypeLink, msg.Type == wire.TypeUnlink:
		s.doUnlink(username)
	case msg.Type == wire.TypeLeave:
		s.doLeave(username)
	case wire.IsReserved(msg.Type):
		s.cfg.Logger.Warn().
			Str("username", username).
			Str("type", msg.Type).
			Msg("reserved message type received on linked connection, forcing unlink")
		s.doUnlink(username)
	default:
		s.bus.Emit(eventMessage, username, msg)
	}
}

// doJoin creates the user record and announces it to everyone already
// linked. Caller must hold s.mu.
func (s *Server) doJoin(username string) {
	s.broadcastRaw(wire.TypeJoined, wire.UsernamePayload{Username: username}, "")
	s.users.create(username)
	s.bus.Emit(eventJoin, username)
}

// doLink binds conn to username, backfills the new connection with the
// joined/linked state of every known user (itself included), and
// announces the link to everyone else. Caller must hold s.mu.
func (s *Server) doLink(conn *connection, username string) {
	s.users.bind(username, conn.id)
	conn.setUsername(username)

	for _, u := range s.users.usernames() {
		s.sendRaw(conn, wire.TypeJoined, wire.UsernamePayload{Username: u}, false)
		if s.users.isLinked(u) {
			s.sendRaw(conn, wire.TypeLinked, wire.UsernamePayload{Username: u}, false)
		}
	}

	s.broadcastRaw(wire.TypeLinked, wire.UsernamePayload{Username: username}, username)
	s.bus.Emit(eventLink, username)
}

// doUnlink breaks the connection<->user binding. Every currently linked
// connection, including the one being unlinked, observes krmx/unlinked
// before the binding actually clears. Caller must hold s.mu.
func (s *Server) doUnlink(username string) {
	s.broadcastRaw(wire.TypeUnlinked, wire.UsernamePayload{Username: username}, "")

	if connID, ok := s.users.boundConnection(username); ok {
		if conn, exists := s.conns.get(connID); exists {
			conn.setUsername("")
		}
	}
	s.users.unbind(username)
	s.bus.Emit(eventUnlink, username)
}

// doLeave removes a user from the registry entirely, unlinking it first
// if still bound. The formerly bound connection sees its own leave
// directly; everyone else sees it via broadcast. Caller must hold s.mu.
func (s *Server) doLeave(username string) {
	var formerConn *connection
	if s.users.isLinked(username) {
		if connID, ok := s.users.boundConnection(username); ok {
			formerConn, _ = s.conns.get(connID)
		}
		s.doUnlink(username)
	}
	if formerConn != nil {
		s.sendRaw(formerConn, wire.TypeLeft, wire.UsernamePayload{Username: username}, false)
	}
	s.broadcastRaw(wire.TypeLeft, wire.UsernamePayload{Username: username}, "")
	s.users.destroy(username)
	s.bus.Emit(eventLeave, username)
}
