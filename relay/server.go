package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/scriblio/scriblio/collab"
)

type ServerSettings struct {
	HubSettings *HubSettings
	// client silence longer than this drops the connection. clients
	// ping well inside it
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		HubSettings:     DefaultHubSettings(),
		ReadTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server terminates relay websockets and routes subscribe/publish/ping
// frames into the hub. The relay is content-agnostic: it never decodes
// channel payloads.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	hub      *Hub

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServerWithDefaults(ctx context.Context, addr string, redisUrl string) (*Server, error) {
	return NewServer(ctx, addr, redisUrl, DefaultServerSettings())
}

func NewServer(ctx context.Context, addr string, redisUrl string, settings *ServerSettings) (*Server, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	hub, err := NewHub(cancelCtx, redisUrl, settings.HubSettings)
	if err != nil {
		cancel()
		return nil, err
	}

	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", server.handleWs)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", server.handleStats).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return server, nil
}

func (self *Server) Handler() http.Handler {
	return self.httpServer.Handler
}

// ListenAndServe blocks until Close or a listen error.
func (self *Server) ListenAndServe() error {
	glog.Infof("[relay]listening on %s\n", self.httpServer.Addr)
	err := self.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Server) Close() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
	defer shutdownCancel()
	self.httpServer.Shutdown(shutdownCtx)
	self.hub.Close()
	self.cancel()
}

func (self *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok\n")
}

func (self *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"clients":  self.hub.ClientCount(),
		"channels": self.hub.Channels(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}

	client := &hubClient{
		conn:     conn,
		channels: map[string]bool{},
	}
	conn.SetReadLimit(self.settings.HubSettings.ReadLimit)

	defer func() {
		self.hub.removeClient(client)
		conn.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[relay]<- error = %s\n", err)
			return
		}

		message := &collab.RelayMessage{}
		if err := json.Unmarshal(messageBytes, message); err != nil {
			// malformed frames never take the connection down
			glog.Infof("[relay]drop malformed message = %s\n", err)
			continue
		}

		switch message.Type {
		case collab.RelayMessageSubscribe:
			if message.Channel == "" {
				glog.Infof("[relay]drop subscribe without channel\n")
				continue
			}
			self.hub.subscribe(client, message.Channel)
		case collab.RelayMessageUnsubscribe:
			if message.Channel == "" {
				continue
			}
			self.hub.unsubscribe(client, message.Channel)
		case collab.RelayMessagePublish:
			if message.Channel == "" {
				glog.Infof("[relay]drop publish without channel\n")
				continue
			}
			self.hub.publish(message.Channel, message.Data)
		case collab.RelayMessagePing:
			pongBytes, _ := json.Marshal(&collab.RelayMessage{
				Type: collab.RelayMessagePong,
			})
			if err := client.write(self.settings.HubSettings, pongBytes); err != nil {
				return
			}
		default:
			glog.Infof("[relay]drop unknown message type %s\n", message.Type)
		}
	}
}
