package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/model"
)

const writeWait = 10 * time.Second

// Event is one frame queued for the subscribers of a conversation
type Event struct {
	ConversationID string
	Envelope       model.Envelope
	// Except is the connection that sent the frame, if any.
	Except *websocket.Conn
}

// Hub is the registry of realtime channels, keyed by conversation id
type Hub struct {
	Clients   map[string]map[*websocket.Conn]bool
	ClientMu  sync.RWMutex
	Broadcast chan Event

	closed bool
	log    *zap.Logger
}

// NewHub creates a Hub. Run must be started to deliver events.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		Clients:   make(map[string]map[*websocket.Conn]bool),
		Broadcast: make(chan Event, 100),
		log:       logging.OrNop(logger).Named("hub"),
	}
}

// Publish queues ev without blocking. Events are dropped when the queue
// is full or the hub is closed.
func (hub *Hub) Publish(ev Event) {
	hub.ClientMu.RLock()
	defer hub.ClientMu.RUnlock()
	if hub.closed {
		return
	}
	select {
	case hub.Broadcast <- ev:
	default:
		hub.log.Warn("broadcast queue full, dropping event",
			zap.String("conversation_id", ev.ConversationID), zap.String("type", ev.Envelope.Type))
	}
}

// PublishRowUpdate announces the full message array of a conversation.
func (hub *Hub) PublishRowUpdate(conversationID string, msgs []model.WireMessage) {
	payload, err := json.Marshal(model.RowUpdate{ConversationID: conversationID, Messages: msgs})
	if err != nil {
		hub.log.Error("encode row update", zap.Error(err))
		return
	}
	hub.Publish(Event{
		ConversationID: conversationID,
		Envelope:       model.Envelope{Type: model.EnvelopeRowUpdate, Payload: payload},
	})
}

// Run delivers queued events until Close is called.
func (hub *Hub) Run() {
	for ev := range hub.Broadcast {
		// Snapshot the subscribers so writes happen without the lock held.
		hub.ClientMu.RLock()
		snapshot := make([]*websocket.Conn, 0, len(hub.Clients[ev.ConversationID]))
		for client := range hub.Clients[ev.ConversationID] {
			if client != ev.Except {
				snapshot = append(snapshot, client)
			}
		}
		hub.ClientMu.RUnlock()

		for _, client := range snapshot {
			client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.WriteJSON(ev.Envelope); err != nil {
				client.Close()
				hub.unregister(ev.ConversationID, client)
			}
		}
	}
}

// Close stops Run and disconnects every client.
func (hub *Hub) Close() {
	hub.ClientMu.Lock()
	defer hub.ClientMu.Unlock()
	if hub.closed {
		return
	}
	hub.closed = true
	close(hub.Broadcast)
	for _, conns := range hub.Clients {
		for conn := range conns {
			conn.Close()
		}
	}
}

// Count returns the number of clients subscribed to conversationID.
func (hub *Hub) Count(conversationID string) int {
	hub.ClientMu.RLock()
	defer hub.ClientMu.RUnlock()
	return len(hub.Clients[conversationID])
}

func (hub *Hub) register(conversationID string, conn *websocket.Conn) (int, bool) {
	hub.ClientMu.Lock()
	defer hub.ClientMu.Unlock()
	if hub.closed {
		return 0, false
	}
	if hub.Clients[conversationID] == nil {
		hub.Clients[conversationID] = make(map[*websocket.Conn]bool)
	}
	hub.Clients[conversationID][conn] = true
	return len(hub.Clients[conversationID]), true
}

func (hub *Hub) unregister(conversationID string, conn *websocket.Conn) int {
	hub.ClientMu.Lock()
	defer hub.ClientMu.Unlock()
	conns := hub.Clients[conversationID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(hub.Clients, conversationID)
	}
	return len(conns)
}

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws?conversation_id=&source=
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	source := r.URL.Query().Get("source")
	if conversationID == "" {
		h.log.Info("[GET /ws] ❌ Bad Request: missing conversation_id")
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("[GET /ws] WebSocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("conversation_id", conversationID), zap.String("source", source))
	total, ok := h.Hub.register(conversationID, conn)
	if !ok {
		return
	}
	log.Info("[GET /ws] New WebSocket connection", zap.Int("clients", total))

	// Relay broadcast frames to the other subscribers of the conversation.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			remaining := h.Hub.unregister(conversationID, conn)
			log.Info("[GET /ws] Client disconnected", zap.Int("clients", remaining))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug("[GET /ws] ignoring malformed frame", zap.Error(err))
			continue
		}
		if env.Type != model.EnvelopeBroadcast || env.Event == "" {
			continue
		}
		h.Hub.Publish(Event{ConversationID: conversationID, Envelope: env, Except: conn})
	}
}
