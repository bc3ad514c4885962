package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

type MeshTransportSettings struct {
	// rendezvous/STUN endpoints for ICE
	IceUrls []string
	// data channel label prefix, one channel per remote peer
	DataChannelLabel string
	Ordered          bool
	MaxRetransmits   uint16
}

func DefaultMeshTransportSettings() *MeshTransportSettings {
	return &MeshTransportSettings{
		IceUrls: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		DataChannelLabel: "scriblio",
		Ordered:          true,
		MaxRetransmits:   3,
	}
}

type SignalFunction func(message *SignalMessage)
type MeshMessageFunction func(envelope *MeshEnvelope, fromUserId string)
type PeerFunction func(userId string)

type meshPeer struct {
	userId string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	// candidates received before the remote description
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool
	open              bool
	failed            bool
}

// MeshTransport maintains one direct data channel per remote peer in
// the room, negotiated via offer/answer/candidate messages relayed
// through the signaling channel. Once open, each channel carries the
// document delta stream redundantly alongside the relay channel.
type MeshTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId      string
	localUserId string
	settings    *MeshTransportSettings

	mutex  sync.Mutex
	peers  map[string]*meshPeer
	state  ChannelState
	closed bool

	signalCallbacks   *CallbackList[SignalFunction]
	messageCallbacks  *CallbackList[MeshMessageFunction]
	stateCallbacks    *CallbackList[ChannelStateFunction]
	peerLeftCallbacks *CallbackList[PeerFunction]
}

func NewMeshTransportWithDefaults(ctx context.Context, roomId string, localUserId string) *MeshTransport {
	return NewMeshTransport(ctx, roomId, localUserId, DefaultMeshTransportSettings())
}

func NewMeshTransport(
	ctx context.Context,
	roomId string,
	localUserId string,
	settings *MeshTransportSettings,
) *MeshTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MeshTransport{
		ctx:               cancelCtx,
		cancel:            cancel,
		roomId:            roomId,
		localUserId:       localUserId,
		settings:          settings,
		peers:             map[string]*meshPeer{},
		state:             ChannelDisconnected,
		signalCallbacks:   NewCallbackList[SignalFunction](),
		messageCallbacks:  NewCallbackList[MeshMessageFunction](),
		stateCallbacks:    NewCallbackList[ChannelStateFunction](),
		peerLeftCallbacks: NewCallbackList[PeerFunction](),
	}
}

func (self *MeshTransport) State() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// OnSignal registers the sender for outgoing signaling messages, which
// travel over the relay channel. Returns an unsubscribe function.
func (self *MeshTransport) OnSignal(callback SignalFunction) func() {
	return self.signalCallbacks.Add(callback)
}

func (self *MeshTransport) OnMessage(callback MeshMessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *MeshTransport) OnStateChange(callback ChannelStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// OnPeerLeft fires when a peer's underlying connection reports
// disconnected and the peer is dropped.
func (self *MeshTransport) OnPeerLeft(callback PeerFunction) func() {
	return self.peerLeftCallbacks.Add(callback)
}

// AddPeer starts negotiating a direct channel. The peer with the
// lexicographically smaller user id is the offerer, so exactly one
// side initiates.
func (self *MeshTransport) AddPeer(userId string) {
	if userId == "" || userId == self.localUserId {
		return
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	peer := self.peers[userId]
	if peer != nil && peer.pc != nil {
		// already negotiating
		self.mutex.Unlock()
		return
	}
	if peer == nil {
		peer = &meshPeer{
			userId: userId,
		}
		self.peers[userId] = peer
	}
	self.mutex.Unlock()

	offerer := self.localUserId < userId
	if err := self.setupPeer(peer, offerer); err != nil {
		glog.Infof("[m]peer %s setup error = %s\n", userId, err)
		self.dropPeer(userId, false)
	}
}

// RemovePeer tears down the peer's connection outright.
func (self *MeshTransport) RemovePeer(userId string) {
	self.dropPeer(userId, true)
}

// HandleSignal merges one relayed signaling message addressed to us.
func (self *MeshTransport) HandleSignal(message *SignalMessage) {
	if message.To != self.localUserId {
		return
	}

	switch message.Type {
	case SignalOffer:
		self.handleOffer(message)
	case SignalAnswer:
		self.handleAnswer(message)
	case SignalIceCandidate:
		self.handleCandidate(message)
	case SignalUserJoined:
		self.AddPeer(message.From)
	case SignalUserLeft:
		self.dropPeer(message.From, true)
	default:
		glog.V(1).Infof("[m]drop unknown signal %s\n", message.Type)
	}
}

// Broadcast frames data into a mesh envelope and sends it to every
// open peer channel.
func (self *MeshTransport) Broadcast(envelopeType string, data any) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		glog.Infof("[m]broadcast encode error = %s\n", err)
		return
	}
	envelope := &MeshEnvelope{
		Type:      envelopeType,
		UserId:    self.localUserId,
		Data:      dataBytes,
		Timestamp: nowTimestamp(),
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		glog.Infof("[m]broadcast encode error = %s\n", err)
		return
	}

	self.mutex.Lock()
	channels := []*webrtc.DataChannel{}
	for _, peer := range self.peers {
		if peer.open && peer.dc != nil {
			channels = append(channels, peer.dc)
		}
	}
	self.mutex.Unlock()

	for _, dc := range channels {
		if err := dc.Send(envelopeBytes); err != nil {
			glog.V(1).Infof("[m]send error = %s\n", err)
		}
	}
}

func (self *MeshTransport) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	peers := make([]*meshPeer, 0, len(self.peers))
	for _, peer := range self.peers {
		peers = append(peers, peer)
	}
	self.peers = map[string]*meshPeer{}
	self.mutex.Unlock()

	for _, peer := range peers {
		closePeer(peer)
	}
	self.cancel()
	self.signalCallbacks.Clear()
	self.messageCallbacks.Clear()
	self.stateCallbacks.Clear()
	self.peerLeftCallbacks.Clear()
}

func (self *MeshTransport) setupPeer(peer *meshPeer, offerer bool) error {
	iceServers := []webrtc.ICEServer{}
	if 0 < len(self.settings.IceUrls) {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: self.settings.IceUrls,
		})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return err
	}

	self.mutex.Lock()
	peer.pc = pc
	self.mutex.Unlock()

	userId := peer.userId
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		self.emitSignal(SignalIceCandidate, userId, candidate.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		glog.V(1).Infof("[m]peer %s %s\n", userId, state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			self.mutex.Lock()
			peer.failed = true
			peer.open = false
			self.mutex.Unlock()
			self.updateState()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			self.dropPeer(userId, false)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		self.attachDataChannel(peer, dc)
	})

	if offerer {
		label := fmt.Sprintf("%s-%s", self.settings.DataChannelLabel, userId)
		ordered := self.settings.Ordered
		maxRetransmits := self.settings.MaxRetransmits
		dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			return err
		}
		self.attachDataChannel(peer, dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return err
		}
		self.emitSignal(SignalOffer, userId, offer)
	}
	self.updateState()
	return nil
}

func (self *MeshTransport) attachDataChannel(peer *meshPeer, dc *webrtc.DataChannel) {
	self.mutex.Lock()
	peer.dc = dc
	self.mutex.Unlock()

	userId := peer.userId
	dc.OnOpen(func() {
		glog.V(1).Infof("[m]channel open %s\n", userId)
		self.mutex.Lock()
		peer.open = true
		self.mutex.Unlock()
		self.updateState()
	})
	dc.OnClose(func() {
		glog.V(1).Infof("[m]channel close %s\n", userId)
		self.mutex.Lock()
		peer.open = false
		self.mutex.Unlock()
		self.updateState()
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		envelope := &MeshEnvelope{}
		if err := json.Unmarshal(message.Data, envelope); err != nil {
			glog.Infof("[m]drop malformed envelope = %s\n", err)
			return
		}
		for _, callback := range self.messageCallbacks.Get() {
			callback := callback
			handleCallback("[m]message", func() {
				callback(envelope, userId)
			})
		}
	})
}

func (self *MeshTransport) handleOffer(message *SignalMessage) {
	offer := webrtc.SessionDescription{}
	if err := json.Unmarshal(message.Data, &offer); err != nil {
		glog.Infof("[m]drop malformed offer = %s\n", err)
		return
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	peer := self.peers[message.From]
	if peer == nil {
		peer = &meshPeer{
			userId: message.From,
		}
		self.peers[message.From] = peer
	}
	self.mutex.Unlock()

	if peer.pc == nil {
		if err := self.setupPeer(peer, false); err != nil {
			glog.Infof("[m]peer %s setup error = %s\n", message.From, err)
			self.dropPeer(message.From, false)
			return
		}
	}

	if err := peer.pc.SetRemoteDescription(offer); err != nil {
		glog.Infof("[m]offer apply error = %s\n", err)
		return
	}
	self.drainCandidates(peer)

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		glog.Infof("[m]answer error = %s\n", err)
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		glog.Infof("[m]answer apply error = %s\n", err)
		return
	}
	self.emitSignal(SignalAnswer, message.From, answer)
}

func (self *MeshTransport) handleAnswer(message *SignalMessage) {
	answer := webrtc.SessionDescription{}
	if err := json.Unmarshal(message.Data, &answer); err != nil {
		glog.Infof("[m]drop malformed answer = %s\n", err)
		return
	}

	self.mutex.Lock()
	peer := self.peers[message.From]
	self.mutex.Unlock()
	if peer == nil || peer.pc == nil {
		glog.V(1).Infof("[m]drop answer from unknown peer %s\n", message.From)
		return
	}

	if err := peer.pc.SetRemoteDescription(answer); err != nil {
		glog.Infof("[m]answer apply error = %s\n", err)
		return
	}
	self.drainCandidates(peer)
}

func (self *MeshTransport) handleCandidate(message *SignalMessage) {
	candidate := webrtc.ICECandidateInit{}
	if err := json.Unmarshal(message.Data, &candidate); err != nil {
		glog.Infof("[m]drop malformed candidate = %s\n", err)
		return
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	peer := self.peers[message.From]
	if peer == nil {
		// candidates can outrun the offer over the relay. keep them on a
		// placeholder entry so the offer finds them waiting
		peer = &meshPeer{
			userId: message.From,
		}
		self.peers[message.From] = peer
	}
	if peer.pc == nil || !peer.remoteSet {
		// hold until the remote description lands
		peer.pendingCandidates = append(peer.pendingCandidates, candidate)
		self.mutex.Unlock()
		return
	}
	pc := peer.pc
	self.mutex.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		glog.V(1).Infof("[m]candidate error = %s\n", err)
	}
}

func (self *MeshTransport) drainCandidates(peer *meshPeer) {
	self.mutex.Lock()
	peer.remoteSet = true
	pending := peer.pendingCandidates
	peer.pendingCandidates = nil
	pc := peer.pc
	self.mutex.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			glog.V(1).Infof("[m]candidate error = %s\n", err)
		}
	}
}

func (self *MeshTransport) dropPeer(userId string, silent bool) {
	self.mutex.Lock()
	peer := self.peers[userId]
	if peer == nil {
		self.mutex.Unlock()
		return
	}
	delete(self.peers, userId)
	self.mutex.Unlock()

	closePeer(peer)
	self.updateState()

	if !silent {
		for _, callback := range self.peerLeftCallbacks.Get() {
			callback := callback
			handleCallback("[m]peer left", func() {
				callback(userId)
			})
		}
	}
}

func closePeer(peer *meshPeer) {
	if peer.dc != nil {
		peer.dc.Close()
	}
	if peer.pc != nil {
		peer.pc.Close()
	}
}

func (self *MeshTransport) emitSignal(signalType string, to string, data any) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		glog.Infof("[m]signal encode error = %s\n", err)
		return
	}
	message := &SignalMessage{
		Type:      signalType,
		From:      self.localUserId,
		To:        to,
		RoomId:    self.roomId,
		Data:      dataBytes,
		Timestamp: nowTimestamp(),
	}
	for _, callback := range self.signalCallbacks.Get() {
		callback := callback
		handleCallback("[m]signal", func() {
			callback(message)
		})
	}
}

// one aggregate status over all peer connections
func (self *MeshTransport) updateState() {
	self.mutex.Lock()
	state := ChannelDisconnected
	if 0 < len(self.peers) {
		anyOpen := false
		allFailed := true
		for _, peer := range self.peers {
			if peer.open {
				anyOpen = true
			}
			if !peer.failed {
				allFailed = false
			}
		}
		if anyOpen {
			state = ChannelConnected
		} else if allFailed {
			state = ChannelFailed
		} else {
			state = ChannelConnecting
		}
	}
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		handleCallback("[m]state", func() {
			callback(state)
		})
	}
}
