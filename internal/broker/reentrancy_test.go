package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/sessionbroker/internal/brokererr"
	"github.com/relaykit/sessionbroker/internal/wire"
)

// A join/link listener calling back into Send/Broadcast is the documented
// way to greet a newly linked user (§4.6); it must be delivered rather
// than deadlock the goroutine that is still holding the state lock.
// waitForFrameCount's own timeout is what catches a regression here: a
// deadlocked mutating goroutine never produces the extra frame.

func TestOnLink_SendFromListenerIsDelivered(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	_, err := srv.OnLink(func(username string) {
		require.NoError(t, srv.Send(username, "app/welcome", map[string]string{"hello": username}))
	})
	require.NoError(t, err)

	sock := connectAndServe(t, srv)
	sock.send(wire.TypeLink, linkFrame("simon", "1.0.0"))

	frames := waitForFrameCount(t, sock, 4)
	assert.Equal(t, []string{wire.TypeAccepted, wire.TypeJoined, wire.TypeLinked, "app/welcome"},
		frameTypes(frames))
}

func TestOnLink_BroadcastFromListenerIsDelivered(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	_, err := srv.OnLink(func(username string) {
		require.NoError(t, srv.Broadcast("app/announce", map[string]string{"joined": username}, ""))
	})
	require.NoError(t, err)

	sock := connectAndServe(t, srv)
	sock.send(wire.TypeLink, linkFrame("simon", "1.0.0"))

	// the connection is already bound by the time doLink emits the link event,
	// so an unexcluded broadcast from the listener reaches it too.
	frames := waitForFrameCount(t, sock, 4)
	assert.Contains(t, frameTypes(frames), "app/announce")
}

func TestOnUnlink_SendFromListenerDoesNotDeadlockKick(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	_, err := srv.OnUnlink(func(username string) {
		// the connection is already unbound by the time this fires; Send
		// to the now-unlinked username must fail cleanly, not hang.
		_ = srv.Send(username, "app/bye", nil)
	})
	require.NoError(t, err)

	sock := connectAndServe(t, srv)
	sock.send(wire.TypeLink, linkFrame("simon", "1.0.0"))
	waitForFrameCount(t, sock, 3)

	require.NoError(t, srv.Kick("simon"))
}

func frameTypes(frames []wire.Message) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

func TestServer_Join(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	var joined []string
	_, err := srv.OnJoin(func(u string) { joined = append(joined, u) })
	require.NoError(t, err)

	require.NoError(t, srv.Join("simon"))
	assert.Contains(t, srv.Users(), "simon")
	assert.Equal(t, []string{"simon"}, joined)

	err = srv.Join("simon")
	assert.ErrorIs(t, err, brokererr.ErrUserAlreadyExists)
}

func TestServer_JoinRejectsInvalidUsername(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Listen(0))
	err := srv.Join("!!!")
	require.Error(t, err)
}

func TestServer_JoinThenLinkSkipsDuplicateJoinedBroadcast(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	alice := connectAndServe(t, srv)
	alice.send(wire.TypeLink, linkFrame("alice", "1.0.0"))
	waitForFrameCount(t, alice, 3) // accepted, joined(alice), linked(alice)

	require.NoError(t, srv.Join("bob"))
	aliceAfterJoin := waitForFrameCount(t, alice, 4) // + joined(bob), no link yet
	assert.Equal(t, wire.TypeJoined, aliceAfterJoin[3].Type)

	bob := connectAndServe(t, srv)
	bob.send(wire.TypeLink, linkFrame("bob", "1.0.0"))
	waitForFrameCount(t, bob, 5) // accepted, then joined+linked for each of alice and bob

	// alice observes bob's krmx/linked but, since bob was pre-provisioned,
	// never a second krmx/joined for bob.
	aliceAfterLink := waitForFrameCount(t, alice, 5)
	assert.Equal(t, wire.TypeLinked, aliceAfterLink[4].Type)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.frames(), 5, "no duplicate krmx/joined for a pre-provisioned user")
}

func TestServer_Unlink(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	sock := connectAndServe(t, srv)
	sock.send(wire.TypeLink, linkFrame("simon", "1.0.0"))
	waitForFrameCount(t, sock, 3)

	require.NoError(t, srv.Unlink("simon"))
	assert.False(t, srv.Status() == StatusClosed)
	assert.Contains(t, srv.Users(), "simon")

	frames := waitForFrameCount(t, sock, 4)
	assert.Equal(t, wire.TypeUnlinked, frames[3].Type)
}

func TestServer_UnlinkNotLinkedOrNotFound(t *testing.T) {
	srv := NewServer(WithProtocolVersion("1.0.0"))
	require.NoError(t, srv.Listen(0))

	err := srv.Unlink("ghost")
	assert.ErrorIs(t, err, brokererr.ErrUserNotFound)

	require.NoError(t, srv.Join("simon"))
	err = srv.Unlink("simon")
	assert.ErrorIs(t, err, brokererr.ErrUserNotLinked)
}
