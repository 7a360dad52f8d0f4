package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/san-kum/emergency-monitor/server/events"
	"github.com/san-kum/emergency-monitor/server/media"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 10 * 1024 * 1024
	sendBuffer     = 32
)

var errDataURL = errors.New("invalid data URL format")

type ClientMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type HubStats struct {
	Clients   int              `json:"clients"`
	Published uint64           `json:"published"`
	Dropped   uint64           `json:"dropped"`
	Camera    *media.PushStats `json:"camera,omitempty"`
}

// Hub fans events out to every connected dashboard and, when a push camera
// is configured, feeds the frames dashboards send into it.
//
// Publish never blocks: a client whose send buffer is full misses the
// message.
type Hub struct {
	camera   *media.PushProvider
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mutex   sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	publisher bool
}

func NewHub(camera *media.PushProvider, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		camera:  camera,
		logger:  logger,
		now:     time.Now,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || contains(allowedOrigins, "*") || contains(allowedOrigins, origin)
			},
		},
	}
	if camera != nil {
		camera.OnActivation(
			func(constraints media.Constraints) { h.Publish(events.TypeCameraStart, constraints) },
			func() { h.Publish(events.TypeCameraStop, nil) },
		)
	}
	return h
}

func (h *Hub) Publish(eventType string, data any) {
	message, err := h.encode(eventType, data)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- message:
			h.published.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if !h.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.id),
		zap.String("client_ip", c.ClientIP()))

	go h.writePump(client)
	h.readPump(client)

	h.unregister(client)
	if client.publisher {
		h.camera.Disconnect()
	}
	h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.id))
}

func (h *Hub) register(client *wsClient) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *wsClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) readPump(client *wsClient) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.String("client_id", client.id), zap.Error(err))
			}
			return
		}
		h.handleMessage(client, &message)
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("Failed to send WebSocket message", zap.String("client_id", client.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(client *wsClient, message *ClientMessage) {
	switch message.Type {
	case "camera_ready":
		if h.camera == nil {
			h.sendError(client, "server is not using the browser camera")
			return
		}
		if !client.publisher {
			client.publisher = true
			h.camera.Connect()
		}
		h.sendTo(client, "camera_ready", gin.H{"client_id": client.id})
	case "camera_denied":
		if h.camera != nil {
			h.camera.Deny(message.Data)
		}
		h.logger.Warn("Browser camera access denied",
			zap.String("client_id", client.id),
			zap.String("reason", message.Data))
	case "frame":
		h.processFrame(client, message)
	case "ping":
		h.sendTo(client, "pong", gin.H{"timestamp": h.now().Unix()})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(client, "Unknown message type: "+message.Type)
	}
}

func (h *Hub) processFrame(client *wsClient, message *ClientMessage) {
	if !client.publisher {
		h.sendError(client, "send camera_ready before frames")
		return
	}
	data, mimeType, err := decodeDataURL(message.Data)
	if err != nil {
		h.logger.Warn("Failed to extract image data", zap.String("client_id", client.id), zap.Error(err))
		h.sendError(client, "invalid image data format")
		return
	}
	h.camera.Publish(&media.Frame{Data: data, MimeType: mimeType, CapturedAt: h.now()})
}

func (h *Hub) sendTo(client *wsClient, messageType string, data any) {
	message, err := h.encode(messageType, data)
	if err != nil {
		return
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- message:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) sendError(client *wsClient, errorMsg string) {
	h.sendTo(client, events.TypeError, gin.H{
		"message":   errorMsg,
		"timestamp": h.now().Unix(),
	})
}

func (h *Hub) encode(messageType string, data any) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: messageType, Data: data, Timestamp: h.now().UnixMilli()})
}

func (h *Hub) Stats() HubStats {
	h.mutex.RLock()
	clients := len(h.clients)
	h.mutex.RUnlock()

	stats := HubStats{
		Clients:   clients,
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
	if h.camera != nil {
		camera := h.camera.Stats()
		stats.Camera = &camera
	}
	return stats
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// decodeDataURL accepts "data:<mime>;base64,<payload>" as produced by a
// canvas. The mime type defaults to JPEG.
func decodeDataURL(dataURL string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return nil, "", errDataURL
	}

	mimeType := "image/jpeg"
	if meta, found := strings.CutPrefix(header, "data:"); found {
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", errDataURL
		}
		if meta = strings.TrimSuffix(meta, ";base64"); meta != "" {
			mimeType = meta
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errDataURL
	}
	return data, mimeType, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
