package collab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// ping cadence. any received traffic counts as liveness
	PingInterval time.Duration
	// silence longer than this forces a reconnect
	LivenessTimeout time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// after this many consecutive failures the channel parks in
	// `failed` until an explicit Reconnect()
	MaxReconnectAttempts int
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		LivenessTimeout:      45 * time.Second,
		ReconnectInitial:     3 * time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// the schedule is exact: initial * 2^(attempt-1), capped
func newReconnectBackOff(settings *RelayTransportSettings) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = settings.ReconnectInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = settings.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

type RelayMessageFunction func(channel string, data json.RawMessage)
type ChannelStateFunction func(state ChannelState)

// RelayTransport is the server-mediated fallback channel: a persistent
// websocket speaking the JSON subscribe/publish protocol. It owns
// exclusive write access to its connection. Channel-level errors are
// translated into state transitions, never returned to message
// producers.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	// tried round-robin across reconnect attempts
	urls     []string
	settings *RelayTransportSettings

	mutex         sync.Mutex
	state         ChannelState
	subscriptions map[string]bool
	conn          *websocket.Conn

	sendMutex sync.Mutex

	// single-flight manual retry
	retry chan struct{}

	lastReceive atomic.Int64

	messageCallbacks *CallbackList[RelayMessageFunction]
	stateCallbacks   *CallbackList[ChannelStateFunction]
}

func NewRelayTransportWithDefaults(ctx context.Context, urls []string) *RelayTransport {
	return NewRelayTransport(ctx, urls, DefaultRelayTransportSettings())
}

func NewRelayTransport(ctx context.Context, urls []string, settings *RelayTransportSettings) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		urls:             urls,
		settings:         settings,
		state:            ChannelDisconnected,
		subscriptions:    map[string]bool{},
		retry:            make(chan struct{}, 1),
		messageCallbacks: NewCallbackList[RelayMessageFunction](),
		stateCallbacks:   NewCallbackList[ChannelStateFunction](),
	}
	transport.lastReceive.Store(time.Now().UnixNano())
	go transport.run()
	return transport
}

func (self *RelayTransport) State() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// OnMessage registers a listener for server-pushed channel messages.
// Returns an unsubscribe function.
func (self *RelayTransport) OnMessage(callback RelayMessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *RelayTransport) OnStateChange(callback ChannelStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// Subscribe joins a named channel. The subscription is remembered and
// replayed after every reconnect.
func (self *RelayTransport) Subscribe(channel string) {
	self.mutex.Lock()
	self.subscriptions[channel] = true
	connected := self.state == ChannelConnected
	self.mutex.Unlock()

	if connected {
		self.send(&RelayMessage{
			Type:    RelayMessageSubscribe,
			Channel: channel,
		})
	}
}

func (self *RelayTransport) Unsubscribe(channel string) {
	self.mutex.Lock()
	delete(self.subscriptions, channel)
	connected := self.state == ChannelConnected
	self.mutex.Unlock()

	if connected {
		self.send(&RelayMessage{
			Type:    RelayMessageUnsubscribe,
			Channel: channel,
		})
	}
}

// Publish broadcasts data to all subscribers of a channel. While
// disconnected the message is dropped with a warning. Transient sends
// are never surfaced as errors to the caller.
func (self *RelayTransport) Publish(channel string, data any) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		glog.Infof("[rt]publish encode error = %s\n", err)
		return
	}
	err = self.send(&RelayMessage{
		Type:    RelayMessagePublish,
		Channel: channel,
		Data:    dataBytes,
	})
	if err != nil {
		glog.V(1).Infof("[rt]publish %s dropped = %s\n", channel, err)
	}
}

// Reconnect is the manual retry action after the channel parks in
// `failed`. A reconnect already in progress absorbs the request.
func (self *RelayTransport) Reconnect() {
	select {
	case self.retry <- struct{}{}:
	default:
	}
}

func (self *RelayTransport) Close() {
	self.cancel()
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (self *RelayTransport) run() {
	defer self.cancel()

	attempt := 0
	bo := newReconnectBackOff(self.settings)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(ChannelConnecting)
		conn, err := self.connect(attempt)
		if err != nil {
			attempt += 1
			glog.Infof("[rt]connect error (%d/%d) = %s\n", attempt, self.settings.MaxReconnectAttempts, err)
			if self.settings.MaxReconnectAttempts <= attempt {
				self.setState(ChannelFailed)
				select {
				case <-self.ctx.Done():
					return
				case <-self.retry:
					attempt = 0
					bo.Reset()
					continue
				}
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		attempt = 0
		bo.Reset()
		self.lastReceive.Store(time.Now().UnixNano())
		self.setConn(conn)
		self.setState(ChannelConnected)
		// reconnection is transparent to peers: replay every
		// subscription before anything else flows
		self.resubscribe()

		self.handle(conn)

		self.setConn(nil)
		self.setState(ChannelDisconnected)
	}
}

func (self *RelayTransport) connect(attempt int) (*websocket.Conn, error) {
	url := self.urls[attempt%len(self.urls)]
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (self *RelayTransport) handle(conn *websocket.Conn) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		ticker := time.NewTicker(self.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				if err := self.send(&RelayMessage{Type: RelayMessagePing}); err != nil {
					return
				}
				silence := time.Since(time.Unix(0, self.lastReceive.Load()))
				if self.settings.LivenessTimeout < silence {
					// the channel is assumed dead. closing the
					// connection forces the read loop out and a
					// reconnect
					glog.Infof("[rt]liveness timeout after %s\n", silence)
					conn.Close()
					return
				}
			case <-self.retry:
				// a forced reconnect while connected closes and redials
				glog.Infof("[rt]forced reconnect\n")
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.LivenessTimeout))
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[rt]<- error = %s\n", err)
			return
		}
		self.lastReceive.Store(time.Now().UnixNano())

		message := &RelayMessage{}
		if err := json.Unmarshal(messageBytes, message); err != nil {
			// malformed messages never crash the receive loop
			glog.Infof("[rt]drop malformed message = %s\n", err)
			continue
		}
		switch {
		case message.Type == RelayMessagePong:
			glog.V(2).Infof("[rt]pong<-\n")
		case message.Channel != "":
			for _, callback := range self.messageCallbacks.Get() {
				callback := callback
				handleCallback("[rt]message", func() {
					callback(message.Channel, message.Data)
				})
			}
		default:
			glog.Infof("[rt]drop unknown message shape\n")
		}
	}
}

func (self *RelayTransport) resubscribe() {
	self.mutex.Lock()
	channels := make([]string, 0, len(self.subscriptions))
	for channel := range self.subscriptions {
		channels = append(channels, channel)
	}
	self.mutex.Unlock()

	for _, channel := range channels {
		self.send(&RelayMessage{
			Type:    RelayMessageSubscribe,
			Channel: channel,
		})
	}
}

func (self *RelayTransport) send(message *RelayMessage) error {
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn == nil {
		return &ConnectionError{
			Message:     "relay channel is not connected",
			Recoverable: true,
		}
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, messageBytes)
}

func (self *RelayTransport) setConn(conn *websocket.Conn) {
	self.mutex.Lock()
	self.conn = conn
	self.mutex.Unlock()
}

func (self *RelayTransport) setState(state ChannelState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		handleCallback("[rt]state", func() {
			callback(state)
		})
	}
}
