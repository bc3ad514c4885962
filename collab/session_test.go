package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/scriblio/scriblio/board"
)

func fastSessionSettings() *SessionSettings {
	return &SessionSettings{
		RelaySettings: fastRelaySettings(),
		MeshSettings:  DefaultMeshTransportSettings(),
		DisableMesh:   true,
	}
}

func meshSessionSettings() *SessionSettings {
	return &SessionSettings{
		RelaySettings: fastRelaySettings(),
		MeshSettings:  localMeshSettings(),
	}
}

func newTestSession(t *testing.T, ctx context.Context, relay *testRelay, roomId string, userId string) *Session {
	session, err := NewSession(ctx, &SessionConfig{
		RoomId:   roomId,
		UserId:   userId,
		UserName: userId,
		RelayUrl: relay.url(),
	}, fastSessionSettings())
	assert.Equal(t, nil, err)
	return session
}

func TestSessionRequiresRoomId(t *testing.T) {
	_, err := NewSession(context.Background(), &SessionConfig{
		RelayUrl: "ws://127.0.0.1:1/",
	}, fastSessionSettings())
	assert.NotEqual(t, err, nil)
}

func TestSessionIdentityFromRoomToken(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	// unsigned claims parse fine: the relay does not verify, the room
	// service does
	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
		"eyJyb29tX2lkIjoicm9vbTEiLCJ1c2VyX2lkIjoidS10b2tlbiIsInVzZXJfbmFtZSI6ImFsaWNlIn0." +
		"c2ln"
	session, err := NewSession(context.Background(), &SessionConfig{
		RoomId:    "room1",
		RoomToken: token,
		RelayUrl:  relay.url(),
	}, fastSessionSettings())
	assert.Equal(t, nil, err)
	defer session.Close()

	assert.Equal(t, "u-token", session.UserId())
	assert.Equal(t, "alice", session.Awareness().LocalPresence().Name)
}

func TestSessionDocumentConvergence(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	ctx := context.Background()
	roomId := NewId().String()

	sessionA := newTestSession(t, ctx, relay, roomId, "user-a")
	defer sessionA.Close()
	sessionB := newTestSession(t, ctx, relay, roomId, "user-b")
	defer sessionB.Close()

	waitFor(t, 5*time.Second, func() bool {
		return sessionA.Status().Synced && sessionB.Status().Synced
	})
	// let the subscriptions land
	time.Sleep(100 * time.Millisecond)

	sessionA.Document().ApplyLocal([]*board.Element{
		testElement("ra", 100, 100, 120, 60),
	})
	sessionB.Document().ApplyLocal([]*board.Element{
		testElement("rb", 300, 300, 80, 80),
	})

	waitFor(t, 5*time.Second, func() bool {
		return len(sessionA.Document().Elements()) == 2 &&
			len(sessionB.Document().Elements()) == 2
	})
	assert.Equal(
		t,
		board.Signature(sessionA.Document().Elements()),
		board.Signature(sessionB.Document().Elements()),
	)
}

func TestSessionPresenceExchange(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	ctx := context.Background()
	roomId := NewId().String()

	sessionA := newTestSession(t, ctx, relay, roomId, "user-a")
	defer sessionA.Close()
	sessionB := newTestSession(t, ctx, relay, roomId, "user-b")
	defer sessionB.Close()

	waitFor(t, 5*time.Second, func() bool {
		return sessionA.Status().Synced && sessionB.Status().Synced
	})
	time.Sleep(100 * time.Millisecond)

	// the join announce plus the reply means both sides learn each other
	waitFor(t, 5*time.Second, func() bool {
		_, aSeesB := sessionA.Awareness().RemoteUsers()["user-b"]
		_, bSeesA := sessionB.Awareness().RemoteUsers()["user-a"]
		return aSeesB && bSeesA
	})

	sessionA.Awareness().UpdateCursor(42, 24)
	waitFor(t, 5*time.Second, func() bool {
		presence := sessionB.Awareness().RemoteUsers()["user-a"]
		return presence != nil && presence.Cursor != nil && presence.Cursor.X == 42
	})
}

func TestSessionLeaveRemovesPresence(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	ctx := context.Background()
	roomId := NewId().String()

	sessionA := newTestSession(t, ctx, relay, roomId, "user-a")
	defer sessionA.Close()
	sessionB := newTestSession(t, ctx, relay, roomId, "user-b")

	waitFor(t, 5*time.Second, func() bool {
		_, aSeesB := sessionA.Awareness().RemoteUsers()["user-b"]
		return aSeesB
	})

	sessionB.Close()
	waitFor(t, 5*time.Second, func() bool {
		_, aSeesB := sessionA.Awareness().RemoteUsers()["user-b"]
		return !aSeesB
	})
}

// the joiner only ever sees update replies to its join announce, so
// negotiation has to start from those too when the joiner is the side
// with the smaller id
func TestSessionMeshOfferFromLateJoiner(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	ctx := context.Background()
	roomId := NewId().String()

	observer := NewRelayTransport(ctx, []string{relay.url()}, fastRelaySettings())
	defer observer.Close()
	recorder := &signalRecorder{}
	observer.OnMessage(func(channel string, data json.RawMessage) {
		message := &SignalMessage{}
		if json.Unmarshal(data, message) == nil {
			recorder.record(message)
		}
	})
	observer.Subscribe(SignalingChannel(roomId))
	waitFor(t, 5*time.Second, func() bool {
		return observer.State() == ChannelConnected
	})
	time.Sleep(100 * time.Millisecond)

	// the existing peer has the larger id
	sessionB, err := NewSession(ctx, &SessionConfig{
		RoomId:   roomId,
		UserId:   "user-b",
		RelayUrl: relay.url(),
	}, meshSessionSettings())
	assert.Equal(t, nil, err)
	defer sessionB.Close()
	waitFor(t, 5*time.Second, func() bool {
		return sessionB.Status().Synced
	})

	sessionA, err := NewSession(ctx, &SessionConfig{
		RoomId:   roomId,
		UserId:   "user-a",
		RelayUrl: relay.url(),
	}, meshSessionSettings())
	assert.Equal(t, nil, err)
	defer sessionA.Close()

	waitFor(t, 5*time.Second, func() bool {
		return 0 < recorder.count(SignalOffer, "user-a")
	})
	assert.Equal(t, 0, recorder.count(SignalOffer, "user-b"))
}

func TestSessionCloseIdempotent(t *testing.T) {
	relay := newTestRelay(false)
	defer relay.close()

	session := newTestSession(t, context.Background(), relay, NewId().String(), "user-a")
	session.Close()
	session.Close()

	// a closed session reports disconnected, not failed
	status := session.Status()
	assert.Equal(t, ChannelDisconnected, status.Relay)
	assert.Equal(t, false, status.Synced)
}

func TestSessionFailedSurfacesRecoverableError(t *testing.T) {
	ctx := context.Background()
	session, err := NewSession(ctx, &SessionConfig{
		RoomId:   "room1",
		UserId:   "user-a",
		RelayUrl: "ws://127.0.0.1:1/",
	}, fastSessionSettings())
	assert.Equal(t, nil, err)
	defer session.Close()

	waitFor(t, 5*time.Second, func() bool {
		return session.Status().Relay == ChannelFailed
	})

	connErr := session.Err()
	assert.NotEqual(t, connErr, nil)
	assert.Equal(t, true, connErr.Recoverable)

	// the surfaced retry action is wired to the transport
	connErr.Reconnect()
	waitFor(t, 5*time.Second, func() bool {
		state := session.Status().Relay
		return state == ChannelConnecting || state == ChannelFailed
	})
}
