package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Relay channel wire format, JSON over a persistent websocket.
//
//	client -> server {"type":"subscribe","channel":"presence:<roomId>"}
//	client -> server {"type":"publish","channel":"presence:<roomId>","data":<PresenceMessage>}
//	client -> server {"type":"ping"}
//	server -> client {"type":"pong"}
//	server -> client {"channel":"presence:<roomId>","data":<PresenceMessage>}
type RelayMessage struct {
	Type    string          `json:"type,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	RelayMessageSubscribe   = "subscribe"
	RelayMessageUnsubscribe = "unsubscribe"
	RelayMessagePublish     = "publish"
	RelayMessagePing        = "ping"
	RelayMessagePong        = "pong"
)

func PresenceChannel(roomId string) string {
	return fmt.Sprintf("presence:%s", roomId)
}

func SignalingChannel(roomId string) string {
	return fmt.Sprintf("signaling:%s", roomId)
}

func DocumentChannel(roomId string) string {
	return fmt.Sprintf("document:%s", roomId)
}

const (
	PresenceJoin   = "join"
	PresenceLeave  = "leave"
	PresenceUpdate = "update"
)

type PresenceMessage struct {
	Type      string    `json:"type"`
	UserId    string    `json:"userId"`
	RoomId    string    `json:"roomId"`
	Presence  *Presence `json:"presence,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalIceCandidate = "ice-candidate"
	SignalUserJoined   = "user-joined"
	SignalUserLeft     = "user-left"
)

// SignalMessage carries the peer mesh offer/answer/candidate exchange
// over the relay signaling channel.
type SignalMessage struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	RoomId    string          `json:"roomId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

const (
	MeshEnvelopeDelta    = "delta"
	MeshEnvelopePresence = "presence"
)

// MeshEnvelope frames messages on a peer data channel. The mesh carries
// the document delta stream redundantly alongside the relay channel,
// plus presence.
type MeshEnvelope struct {
	Type      string          `json:"type"`
	UserId    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func nowTimestamp() int64 {
	return time.Now().UnixMilli()
}
