package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/vision"
)

// event is the envelope for every websocket message.
type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans session events out to connected websocket clients. It implements
// session.Observer; publishing never blocks the frame loop — when the
// broadcast channel is full the event is dropped for that tick.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex

	upgrader websocket.Upgrader
}

// NewHub creates a hub; call Run on its own goroutine before serving.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			// The daemon fronts a local dashboard; origin policy is the
			// reverse proxy's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run services register/unregister/broadcast until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			log.Printf("websocket client connected (%d active)", len(h.clients))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				log.Printf("websocket client disconnected (%d active)", len(h.clients))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Printf("websocket write failed, dropping client: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Reader loop exists only to observe the close; inbound messages are
	// ignored.
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) publish(typ string, data interface{}) {
	msg, err := json.Marshal(event{Type: typ, Data: data})
	if err != nil {
		log.Printf("marshal %s event: %v", typ, err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// PublishFrame implements session.Observer.
func (h *Hub) PublishFrame(update session.FrameUpdate) {
	h.publish("frame", update)
}

// PublishViolation implements session.Observer.
func (h *Hub) PublishViolation(sessionID string, rec *vision.ViolationRecord) {
	h.publish("violation", struct {
		SessionID string                  `json:"session_id"`
		Violation *vision.ViolationRecord `json:"violation"`
	}{sessionID, rec})
}

// PublishComplete implements session.Observer.
func (h *Hub) PublishComplete(done session.Completion) {
	h.publish("processing_complete", done)
}
