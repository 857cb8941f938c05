package broker

import (
	"github.com/relaykit/sessionbroker/internal/events"
	"github.com/relaykit/sessionbroker/internal/wire"
)

// Event names on the server's internal events.Bus. Unexported: consumers
// use the typed On* wrapper methods below instead of touching the bus
// directly.
const (
	eventAuthenticate = "authenticate"
	eventJoin         = "join"
	eventLink         = "link"
	eventUnlink       = "unlink"
	eventLeave        = "leave"
	eventMessage      = "message"
	eventListen       = "listen"
	eventClose        = "close"
)

// RejectFunc rejects an in-flight link attempt. The first call wins;
// subsequent calls are no-ops and never panic.
type RejectFunc func(reason string)

// AsyncAuth is the function an authenticate listener hands to markAsync:
// the broker runs it after the authenticate event finishes emitting and
// awaits its return before finalizing accept/reject.
type AsyncAuth func(reject RejectFunc)

// MarkAsyncFunc registers an AsyncAuth the broker must await before
// deciding accept/reject for the in-flight link attempt.
type MarkAsyncFunc func(fn AsyncAuth)

// AuthenticateListener is invoked once per link attempt, with the "auth"
// field from the client's krmx/link payload (empty if the client sent
// none). It may reject synchronously via reject, or register an
// asynchronous check via markAsync; multiple listeners may do either,
// and any reject wins.
type AuthenticateListener func(username string, isNewUser bool, auth string, reject RejectFunc, markAsync MarkAsyncFunc)

// JoinListener observes a user being created on the server.
type JoinListener func(username string)

// LinkListener observes a connection becoming bound to a user.
type LinkListener func(username string)

// UnlinkListener observes a connection becoming unbound from a user.
type UnlinkListener func(username string)

// LeaveListener observes a user being destroyed.
type LeaveListener func(username string)

// MessageListener observes an application message sent by a linked user.
type MessageListener func(username string, msg wire.Message)

// ListenListener observes the server entering the listening state.
type ListenListener func(port int)

// CloseListener observes the server finishing shutdown.
type CloseListener func()

// OnAuthenticate registers the authentication hook.
func (s *Server) OnAuthenticate(fn AuthenticateListener) (events.Unsubscribe, error) {
	return s.bus.On(eventAuthenticate, func(args ...interface{}) {
		fn(args[0].(string), args[1].(bool), args[2].(string), args[3].(RejectFunc), args[4].(MarkAsyncFunc))
	})
}

// OnJoin registers a join observer.
func (s *Server) OnJoin(fn JoinListener) (events.Unsubscribe, error) {
	return s.bus.On(eventJoin, func(args ...interface{}) { fn(args[0].(string)) })
}

// OnLink registers a link observer.
func (s *Server) OnLink(fn LinkListener) (events.Unsubscribe, error) {
	return s.bus.On(eventLink, func(args ...interface{}) { fn(args[0].(string)) })
}

// OnUnlink registers an unlink observer.
func (s *Server) OnUnlink(fn UnlinkListener) (events.Unsubscribe, error) {
	return s.bus.On(eventUnlink, func(args ...interface{}) { fn(args[0].(string)) })
}

// OnLeave registers a leave observer.
func (s *Server) OnLeave(fn LeaveListener) (events.Unsubscribe, error) {
	return s.bus.On(eventLeave, func(args ...interface{}) { fn(args[0].(string)) })
}

// OnMessage registers an application-message observer.
func (s *Server) OnMessage(fn MessageListener) (events.Unsubscribe, error) {
	return s.bus.On(eventMessage, func(args ...interface{}) {
		fn(args[0].(string), args[1].(wire.Message))
	})
}

// OnListen registers a listen observer.
func (s *Server) OnListen(fn ListenListener) (events.Unsubscribe, error) {
	return s.bus.On(eventListen, func(args ...interface{}) { fn(args[0].(int)) })
}

// OnClose registers a close observer.
func (s *Server) OnClose(fn CloseListener) (events.Unsubscribe, error) {
	return s.bus.On(eventClose, func(args ...interface{}) { fn() })
}
