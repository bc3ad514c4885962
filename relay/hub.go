package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/maps"

	"github.com/scriblio/scriblio/collab"
)

type HubSettings struct {
	WriteTimeout time.Duration
	// per-message size cap on client connections
	ReadLimit int64
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout: 5 * time.Second,
		ReadLimit:    4 * 1024 * 1024,
	}
}

type hubClient struct {
	conn *websocket.Conn

	writeMutex sync.Mutex
	// guarded by the hub mutex
	channels map[string]bool
}

func (self *hubClient) write(settings *HubSettings, messageBytes []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
	return self.conn.WriteMessage(websocket.TextMessage, messageBytes)
}

// Hub routes published messages to channel subscribers. Standalone it
// fans out in process. With redis configured, publishes go through
// redis pub/sub so multiple relay instances share channels, and the
// local fan-out happens only on the redis receive path to keep
// delivery single.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	mutex    sync.Mutex
	channels map[string]map[*hubClient]bool

	redisClient *redis.Client
	pubsub      *redis.PubSub
}

func NewHub(ctx context.Context, redisUrl string, settings *HubSettings) (*Hub, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		channels: map[string]map[*hubClient]bool{},
	}

	if redisUrl != "" {
		options, err := redis.ParseURL(redisUrl)
		if err != nil {
			cancel()
			return nil, err
		}
		hub.redisClient = redis.NewClient(options)
		hub.pubsub = hub.redisClient.Subscribe(cancelCtx)
		go hub.runRedis()
	}

	return hub, nil
}

func (self *Hub) Close() {
	self.cancel()
	if self.pubsub != nil {
		self.pubsub.Close()
	}
	if self.redisClient != nil {
		self.redisClient.Close()
	}
}

// Channels lists channels with at least one subscriber.
func (self *Hub) Channels() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.channels)
}

func (self *Hub) ClientCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	clients := map[*hubClient]bool{}
	for _, channelClients := range self.channels {
		for client := range channelClients {
			clients[client] = true
		}
	}
	return len(clients)
}

func (self *Hub) subscribe(client *hubClient, channel string) {
	self.mutex.Lock()
	clients := self.channels[channel]
	if clients == nil {
		clients = map[*hubClient]bool{}
		self.channels[channel] = clients
	}
	clients[client] = true
	client.channels[channel] = true
	first := len(clients) == 1
	self.mutex.Unlock()

	if first && self.pubsub != nil {
		if err := self.pubsub.Subscribe(self.ctx, channel); err != nil {
			glog.Infof("[relay]redis subscribe %s error = %s\n", channel, err)
		}
	}
}

func (self *Hub) unsubscribe(client *hubClient, channel string) {
	self.mutex.Lock()
	delete(client.channels, channel)
	clients := self.channels[channel]
	if clients == nil {
		self.mutex.Unlock()
		return
	}
	delete(clients, client)
	last := len(clients) == 0
	if last {
		delete(self.channels, channel)
	}
	self.mutex.Unlock()

	if last && self.pubsub != nil {
		if err := self.pubsub.Unsubscribe(self.ctx, channel); err != nil {
			glog.Infof("[relay]redis unsubscribe %s error = %s\n", channel, err)
		}
	}
}

func (self *Hub) removeClient(client *hubClient) {
	self.mutex.Lock()
	channels := maps.Keys(client.channels)
	self.mutex.Unlock()

	for _, channel := range channels {
		self.unsubscribe(client, channel)
	}
}

func (self *Hub) publish(channel string, data json.RawMessage) {
	if self.redisClient != nil {
		// local delivery happens on the redis receive path
		if err := self.redisClient.Publish(self.ctx, channel, []byte(data)).Err(); err != nil {
			glog.Infof("[relay]redis publish %s error = %s\n", channel, err)
		}
		return
	}
	self.deliver(channel, data)
}

func (self *Hub) deliver(channel string, data json.RawMessage) {
	messageBytes, err := json.Marshal(&collab.RelayMessage{
		Channel: channel,
		Data:    data,
	})
	if err != nil {
		glog.Infof("[relay]deliver encode error = %s\n", err)
		return
	}

	self.mutex.Lock()
	clients := make([]*hubClient, 0, len(self.channels[channel]))
	for client := range self.channels[channel] {
		clients = append(clients, client)
	}
	self.mutex.Unlock()

	for _, client := range clients {
		if err := client.write(self.settings, messageBytes); err != nil {
			glog.V(1).Infof("[relay]-> error = %s\n", err)
		}
	}
}

func (self *Hub) runRedis() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.pubsub.Channel():
			if !ok {
				return
			}
			self.deliver(message.Channel, json.RawMessage(message.Payload))
		}
	}
}
