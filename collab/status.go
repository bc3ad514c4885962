package collab

import (
	"sync"
)

type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelFailed       ChannelState = "failed"
)

// ConnectionStatus reconciles the two channel states into one signal.
// Synced is true once at least one channel is connected.
type ConnectionStatus struct {
	Relay  ChannelState `json:"relay"`
	Mesh   ChannelState `json:"mesh"`
	Synced bool         `json:"synced"`
}

// ConnectionError is a recoverable, user-visible error. It never
// terminates the session: local editing stays fully functional offline.
type ConnectionError struct {
	Message     string
	Recoverable bool

	retry func()
}

func (self *ConnectionError) Error() string {
	return self.Message
}

// Reconnect is the manual retry action surfaced to the user.
func (self *ConnectionError) Reconnect() {
	if self.retry != nil {
		self.retry()
	}
}

type StatusFunction func(status ConnectionStatus)

// StatusMonitor owns the reported connection status. Channel errors are
// translated into status transitions here, never thrown to the caller.
type StatusMonitor struct {
	mutex     sync.Mutex
	relay     ChannelState
	mesh      ChannelState
	err       *ConnectionError
	callbacks *CallbackList[StatusFunction]
}

func NewStatusMonitor() *StatusMonitor {
	return &StatusMonitor{
		relay:     ChannelDisconnected,
		mesh:      ChannelDisconnected,
		callbacks: NewCallbackList[StatusFunction](),
	}
}

func (self *StatusMonitor) Status() ConnectionStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.statusLocked()
}

func (self *StatusMonitor) Err() *ConnectionError {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *StatusMonitor) OnChange(callback StatusFunction) func() {
	return self.callbacks.Add(callback)
}

func (self *StatusMonitor) SetRelay(state ChannelState) {
	self.update(func() {
		self.relay = state
		if state == ChannelConnected {
			self.err = nil
		}
	})
}

func (self *StatusMonitor) SetMesh(state ChannelState) {
	self.update(func() {
		self.mesh = state
	})
}

func (self *StatusMonitor) SetErr(err *ConnectionError) {
	self.update(func() {
		self.err = err
	})
}

func (self *StatusMonitor) update(apply func()) {
	self.mutex.Lock()
	previous := self.statusLocked()
	apply()
	status := self.statusLocked()
	self.mutex.Unlock()

	if status == previous {
		return
	}
	for _, callback := range self.callbacks.Get() {
		callback := callback
		handleCallback("[st]change", func() {
			callback(status)
		})
	}
}

// called with the mutex held
func (self *StatusMonitor) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		Relay:  self.relay,
		Mesh:   self.mesh,
		Synced: self.relay == ChannelConnected || self.mesh == ChannelConnected,
	}
}
