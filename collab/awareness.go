package collab

import (
	"slices"
	"sync"

	"github.com/golang/glog"
)

type CursorPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Presence is ephemeral per-peer state. It is never persisted and never
// merged: the last received record wins whole, since staleness is
// self-resolving and peers are dropped outright on disconnect.
type Presence struct {
	UserId    string       `json:"userId"`
	Name      string       `json:"name"`
	Color     string       `json:"color"`
	Cursor    *CursorPoint `json:"cursor,omitempty"`
	Selection []string     `json:"selection,omitempty"`
	Viewport  *Viewport    `json:"viewport,omitempty"`
	Timestamp int64        `json:"timestamp"`
	IsActive  bool         `json:"isActive"`
}

func (self *Presence) clone() *Presence {
	if self == nil {
		return nil
	}
	out := *self
	if self.Cursor != nil {
		cursor := *self.Cursor
		out.Cursor = &cursor
	}
	if self.Selection != nil {
		out.Selection = slices.Clone(self.Selection)
	}
	if self.Viewport != nil {
		viewport := *self.Viewport
		out.Viewport = &viewport
	}
	return &out
}

// PresencePatch merges non-nil fields into the local presence record.
type PresencePatch struct {
	Name      *string
	Color     *string
	Cursor    *CursorPoint
	Selection []string
	Viewport  *Viewport
	IsActive  *bool
}

type PresenceUsersFunction func(users map[string]*Presence)
type PresenceBroadcastFunction func(presence *Presence)

// Awareness broadcasts and receives ephemeral per-peer state on a
// channel separate from document state.
type Awareness struct {
	localUserId string

	mutex  sync.Mutex
	local  *Presence
	remote map[string]*Presence
	closed bool

	changeCallbacks    *CallbackList[PresenceUsersFunction]
	broadcastCallbacks *CallbackList[PresenceBroadcastFunction]
}

func NewAwareness(localUserId string, name string, color string) *Awareness {
	return &Awareness{
		localUserId: localUserId,
		local: &Presence{
			UserId: localUserId,
			Name:   name,
			Color:  color,
		},
		remote:             map[string]*Presence{},
		changeCallbacks:    NewCallbackList[PresenceUsersFunction](),
		broadcastCallbacks: NewCallbackList[PresenceBroadcastFunction](),
	}
}

func (self *Awareness) LocalUserId() string {
	return self.localUserId
}

// SetLocalPresence merges the patch into the local record, stamps a
// fresh timestamp, marks it active, and broadcasts it.
func (self *Awareness) SetLocalPresence(patch *PresencePatch) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	if patch.Name != nil {
		self.local.Name = *patch.Name
	}
	if patch.Color != nil {
		self.local.Color = *patch.Color
	}
	if patch.Cursor != nil {
		self.local.Cursor = patch.Cursor
	}
	if patch.Selection != nil {
		self.local.Selection = slices.Clone(patch.Selection)
	}
	if patch.Viewport != nil {
		self.local.Viewport = patch.Viewport
	}
	self.local.IsActive = true
	if patch.IsActive != nil {
		self.local.IsActive = *patch.IsActive
	}
	self.local.Timestamp = nowTimestamp()
	presence := self.local.clone()
	self.mutex.Unlock()

	for _, callback := range self.broadcastCallbacks.Get() {
		callback := callback
		handleCallback("[aw]broadcast", func() {
			callback(presence)
		})
	}
}

func (self *Awareness) UpdateCursor(x float64, y float64) {
	self.SetLocalPresence(&PresencePatch{
		Cursor: &CursorPoint{
			X: x,
			Y: y,
		},
	})
}

func (self *Awareness) UpdateSelection(elementIds []string) {
	self.SetLocalPresence(&PresencePatch{
		Selection: elementIds,
	})
}

func (self *Awareness) UpdateViewport(x float64, y float64, zoom float64) {
	self.SetLocalPresence(&PresencePatch{
		Viewport: &Viewport{
			X:    x,
			Y:    y,
			Zoom: zoom,
		},
	})
}

func (self *Awareness) SetActive(active bool) {
	self.SetLocalPresence(&PresencePatch{
		IsActive: &active,
	})
}

func (self *Awareness) LocalPresence() *Presence {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.local.clone()
}

// RemoteUsers returns all known peers excluding self.
func (self *Awareness) RemoteUsers() map[string]*Presence {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.cloneRemoteLocked()
}

// OnChange registers a listener invoked whenever any peer record is
// added, updated, or removed. Returns an unsubscribe function.
func (self *Awareness) OnChange(callback PresenceUsersFunction) func() {
	return self.changeCallbacks.Add(callback)
}

// OnBroadcast wires the transports that carry local presence out.
func (self *Awareness) OnBroadcast(callback PresenceBroadcastFunction) func() {
	return self.broadcastCallbacks.Add(callback)
}

// ApplyRemote merges a received presence message: join and update set
// the whole record, leave deletes it outright.
func (self *Awareness) ApplyRemote(message *PresenceMessage) {
	if message.UserId == "" || message.UserId == self.localUserId {
		return
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	switch message.Type {
	case PresenceJoin, PresenceUpdate:
		if message.Presence == nil {
			self.mutex.Unlock()
			glog.V(1).Infof("[aw]drop %s without presence\n", message.Type)
			return
		}
		presence := message.Presence.clone()
		presence.UserId = message.UserId
		if presence.Timestamp == 0 {
			presence.Timestamp = message.Timestamp
		}
		self.remote[message.UserId] = presence
	case PresenceLeave:
		if _, ok := self.remote[message.UserId]; !ok {
			self.mutex.Unlock()
			return
		}
		delete(self.remote, message.UserId)
	default:
		self.mutex.Unlock()
		glog.V(1).Infof("[aw]drop unknown presence type %s\n", message.Type)
		return
	}
	users := self.cloneRemoteLocked()
	self.mutex.Unlock()

	self.notifyChange(users)
}

// RemovePeer deletes a peer record when the owning transport reports
// the peer disconnected.
func (self *Awareness) RemovePeer(userId string) {
	self.mutex.Lock()
	if _, ok := self.remote[userId]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.remote, userId)
	users := self.cloneRemoteLocked()
	self.mutex.Unlock()

	self.notifyChange(users)
}

// Close drops all peers and listeners. Idempotent.
func (self *Awareness) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.remote = map[string]*Presence{}
	self.mutex.Unlock()

	self.changeCallbacks.Clear()
	self.broadcastCallbacks.Clear()
}

// called with the mutex held
func (self *Awareness) cloneRemoteLocked() map[string]*Presence {
	users := map[string]*Presence{}
	for userId, presence := range self.remote {
		users[userId] = presence.clone()
	}
	return users
}

func (self *Awareness) notifyChange(users map[string]*Presence) {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		handleCallback("[aw]change", func() {
			callback(users)
		})
	}
}
