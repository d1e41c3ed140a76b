// cmd/telemetry-gateway/main.go
package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bastion/internal/pkg/bootstrap"
	"bastion/internal/pkg/logger"
	"bastion/internal/pkg/mq"
	"bastion/internal/service/telemetry"
)

const serviceName = "telemetry-gateway"

var (
	nodeID   = serviceName + "-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
)

// Hub 维护所有活跃的连接，并把遥测事件流广播给每个仪表盘。
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	lock       sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			h.clients[client] = struct{}{}
			h.lock.Unlock()
			logger.Logger.Info().Str("node", nodeID).Msg("dashboard client registered")
		case client := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.lock.Unlock()
			logger.Logger.Info().Msg("dashboard client unregistered")
		case message := <-h.broadcast:
			h.lock.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 慢客户端跟不上就丢，遥测流不等人
				}
			}
			h.lock.RUnlock()
		}
	}
}

// Client 是一个仪表盘 WebSocket 连接。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256)}
	hub.register <- client
	go client.writePump()
	go client.readPump()
}

// consumeTelemetry 订阅遥测主题并把事件灌进广播通道。
func consumeTelemetry(ctx context.Context, hub *Hub, brokers []string) {
	reader := mq.NewKafkaReader(brokers, telemetry.TopicStateTransitions, nodeID)
	defer reader.Close()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Logger.Error().Err(err).Msg("could not read telemetry message, retrying")
			time.Sleep(time.Second)
			continue
		}
		hub.broadcast <- msg.Value
	}
}

func main() {
	var cancelConsume context.CancelFunc

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8088,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			hub := newHub()
			go hub.run()

			var consumeCtx context.Context
			consumeCtx, cancelConsume = context.WithCancel(context.Background())
			brokers := strings.Split(appCtx.Conf.Infra.KafkaBrokers, ",")
			go consumeTelemetry(consumeCtx, hub, brokers)

			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})
		},
		OnShutdown: func(ctx context.Context) {
			if cancelConsume != nil {
				cancelConsume()
			}
		},
	})
}
