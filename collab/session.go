package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

var userColors = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#008080",
}

type SessionConfig struct {
	RoomId string
	// identity defaults are read from RoomToken when unset
	UserId    string
	UserName  string
	UserColor string
	RoomToken string

	RelayUrl string
	// tried round-robin with RelayUrl across reconnect attempts
	FallbackRelayUrls []string
	// STUN endpoints for the peer mesh
	RendezvousUrls []string
}

type SessionSettings struct {
	RelaySettings *RelayTransportSettings
	MeshSettings  *MeshTransportSettings
	// relay-only mode. the mesh needs real ICE connectivity, which a
	// headless environment cannot always provide
	DisableMesh bool
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		RelaySettings: DefaultRelayTransportSettings(),
		MeshSettings:  DefaultMeshTransportSettings(),
	}
}

// Session joins one room: it owns the replicated document, presence,
// and both sync channels, and keeps them wired together. Local editing
// keeps working with every channel down. Sessions are single-room:
// switching rooms is close-then-open.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *SessionConfig
	settings *SessionSettings

	document  *Document
	awareness *Awareness
	relay     *RelayTransport
	mesh      *MeshTransport
	monitor   *StatusMonitor

	closeMutex sync.Mutex
	closed     bool

	unsubs []func()
}

func NewSessionWithDefaults(ctx context.Context, config *SessionConfig) (*Session, error) {
	return NewSession(ctx, config, DefaultSessionSettings())
}

func NewSession(ctx context.Context, config *SessionConfig, settings *SessionSettings) (*Session, error) {
	if config.RoomId == "" {
		return nil, fmt.Errorf("session requires a room id")
	}
	if config.RelayUrl == "" {
		return nil, fmt.Errorf("session requires a relay url")
	}

	if config.RoomToken != "" {
		if roomToken, err := ParseRoomTokenUnverified(config.RoomToken); err == nil {
			if config.UserId == "" {
				config.UserId = roomToken.UserId
			}
			if config.UserName == "" {
				config.UserName = roomToken.UserName
			}
		} else {
			glog.V(1).Infof("[s]room token parse error = %s\n", err)
		}
	}
	if config.UserId == "" {
		config.UserId = NewId().String()
	}
	if config.UserName == "" {
		config.UserName = fmt.Sprintf("guest-%s", config.UserId[:min(6, len(config.UserId))])
	}
	if config.UserColor == "" {
		config.UserColor = pickUserColor(config.UserId)
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	relayUrls := append([]string{config.RelayUrl}, config.FallbackRelayUrls...)

	meshSettings := settings.MeshSettings
	if 0 < len(config.RendezvousUrls) {
		copied := *meshSettings
		copied.IceUrls = config.RendezvousUrls
		meshSettings = &copied
	}

	session := &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		config:    config,
		settings:  settings,
		document:  NewDocument(config.RoomId, config.UserId),
		awareness: NewAwareness(config.UserId, config.UserName, config.UserColor),
		monitor:   NewStatusMonitor(),
	}
	if !settings.DisableMesh {
		session.mesh = NewMeshTransport(cancelCtx, config.RoomId, config.UserId, meshSettings)
	}
	session.relay = NewRelayTransport(cancelCtx, relayUrls, settings.RelaySettings)

	session.wire()

	session.relay.Subscribe(PresenceChannel(config.RoomId))
	session.relay.Subscribe(SignalingChannel(config.RoomId))
	session.relay.Subscribe(DocumentChannel(config.RoomId))

	return session, nil
}

func (self *Session) RoomId() string {
	return self.config.RoomId
}

func (self *Session) UserId() string {
	return self.config.UserId
}

func (self *Session) Document() *Document {
	return self.document
}

func (self *Session) Awareness() *Awareness {
	return self.awareness
}

func (self *Session) Status() ConnectionStatus {
	return self.monitor.Status()
}

func (self *Session) Err() *ConnectionError {
	return self.monitor.Err()
}

func (self *Session) OnStatusChange(callback StatusFunction) func() {
	return self.monitor.OnChange(callback)
}

// Reconnect retries the relay channel after it parks in `failed`.
func (self *Session) Reconnect() {
	self.relay.Reconnect()
}

// Close leaves the room and releases every channel. Idempotent. A
// closed session reports disconnected, never failed: the close is
// intentional.
func (self *Session) Close() {
	self.closeMutex.Lock()
	if self.closed {
		self.closeMutex.Unlock()
		return
	}
	self.closed = true
	self.closeMutex.Unlock()

	self.publishPresence(PresenceLeave, nil)

	for _, unsub := range self.unsubs {
		unsub()
	}
	self.relay.Close()
	if self.mesh != nil {
		self.mesh.Close()
	}
	self.awareness.Close()
	self.document.Close()
	self.monitor.SetMesh(ChannelDisconnected)
	self.monitor.SetRelay(ChannelDisconnected)
	self.cancel()
}

func (self *Session) wire() {
	// local transactions fan out on both channels
	self.unsubs = append(self.unsubs, self.document.OnDelta(func(deltaBytes []byte) {
		self.relay.Publish(DocumentChannel(self.config.RoomId), json.RawMessage(deltaBytes))
		if self.mesh != nil {
			self.mesh.Broadcast(MeshEnvelopeDelta, json.RawMessage(deltaBytes))
		}
	}))

	self.unsubs = append(self.unsubs, self.awareness.OnBroadcast(func(presence *Presence) {
		self.publishPresence(PresenceUpdate, presence)
		if self.mesh != nil {
			self.mesh.Broadcast(MeshEnvelopePresence, presence)
		}
	}))

	self.unsubs = append(self.unsubs, self.relay.OnMessage(func(channel string, data json.RawMessage) {
		switch channel {
		case DocumentChannel(self.config.RoomId):
			self.document.ApplyRemoteDelta(data)
		case PresenceChannel(self.config.RoomId):
			self.handlePresence(data)
		case SignalingChannel(self.config.RoomId):
			self.handleSignal(data)
		default:
			glog.V(1).Infof("[s]drop message on unknown channel %s\n", channel)
		}
	}))

	self.unsubs = append(self.unsubs, self.relay.OnStateChange(func(state ChannelState) {
		self.monitor.SetRelay(state)
		switch state {
		case ChannelConnected:
			// (re)announce after every connect so peers relearn us
			self.publishPresence(PresenceJoin, self.awareness.LocalPresence())
		case ChannelFailed:
			self.monitor.SetErr(&ConnectionError{
				Message:     "sync connection failed",
				Recoverable: true,
				retry:       self.relay.Reconnect,
			})
		}
	}))

	if self.mesh != nil {
		self.unsubs = append(self.unsubs, self.mesh.OnSignal(func(message *SignalMessage) {
			self.relay.Publish(SignalingChannel(self.config.RoomId), message)
		}))
		self.unsubs = append(self.unsubs, self.mesh.OnMessage(func(envelope *MeshEnvelope, fromUserId string) {
			switch envelope.Type {
			case MeshEnvelopeDelta:
				self.document.ApplyRemoteDelta(envelope.Data)
			case MeshEnvelopePresence:
				presence := &Presence{}
				if err := json.Unmarshal(envelope.Data, presence); err != nil {
					glog.Infof("[s]drop malformed mesh presence = %s\n", err)
					return
				}
				self.awareness.ApplyRemote(&PresenceMessage{
					Type:      PresenceUpdate,
					UserId:    fromUserId,
					RoomId:    self.config.RoomId,
					Presence:  presence,
					Timestamp: envelope.Timestamp,
				})
			default:
				glog.V(1).Infof("[s]drop unknown mesh envelope %s\n", envelope.Type)
			}
		}))
		self.unsubs = append(self.unsubs, self.mesh.OnStateChange(func(state ChannelState) {
			self.monitor.SetMesh(state)
		}))
		self.unsubs = append(self.unsubs, self.mesh.OnPeerLeft(func(userId string) {
			self.awareness.RemovePeer(userId)
		}))
	}
}

func (self *Session) handlePresence(data json.RawMessage) {
	message := &PresenceMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		glog.Infof("[s]drop malformed presence = %s\n", err)
		return
	}
	if message.UserId == self.config.UserId {
		return
	}

	self.awareness.ApplyRemote(message)

	switch message.Type {
	case PresenceJoin:
		// reply with our own record so the joiner learns existing peers
		self.publishPresence(PresenceUpdate, self.awareness.LocalPresence())
		if self.mesh != nil {
			self.mesh.AddPeer(message.UserId)
		}
	case PresenceUpdate:
		// an update is how existing peers answer our join announce.
		// negotiation has to start from here too, since the joiner may be
		// the one that makes the offer. `AddPeer` ignores known peers.
		if self.mesh != nil {
			self.mesh.AddPeer(message.UserId)
		}
	case PresenceLeave:
		if self.mesh != nil {
			self.mesh.RemovePeer(message.UserId)
		}
	}
}

func (self *Session) handleSignal(data json.RawMessage) {
	if self.mesh == nil {
		return
	}
	message := &SignalMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		glog.Infof("[s]drop malformed signal = %s\n", err)
		return
	}
	if message.To != self.config.UserId {
		return
	}
	self.mesh.HandleSignal(message)
}

func (self *Session) publishPresence(presenceType string, presence *Presence) {
	self.relay.Publish(PresenceChannel(self.config.RoomId), &PresenceMessage{
		Type:      presenceType,
		UserId:    self.config.UserId,
		RoomId:    self.config.RoomId,
		Presence:  presence,
		Timestamp: nowTimestamp(),
	})
}

func pickUserColor(userId string) string {
	sum := 0
	for _, c := range userId {
		sum += int(c)
	}
	return userColors[sum%len(userColors)]
}
