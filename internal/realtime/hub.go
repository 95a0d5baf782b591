package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"propchat/internal/chat"
	"propchat/internal/models"
	"propchat/internal/socket"
)

// Hub tracks connected clients and fans accepted messages out to the
// active participants of their conversation. Every inbound frame goes
// through the same ingestion pipeline as the HTTP surface, so membership
// is re-checked on each send regardless of what the bearer token claims.
type Hub struct {
	chat   *chat.Service
	issuer *socket.Issuer

	registered   chan *Client
	unregistered chan *Client
	inbound      chan *inboundFrame
	shutdown     chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	clients map[int64][]*Client

	upgrader websocket.Upgrader
}

type inboundFrame struct {
	from           *Client
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type outboundFrame struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewHub builds a hub over the chat service and the socket token issuer.
func NewHub(chatService *chat.Service, issuer *socket.Issuer) *Hub {
	return &Hub{
		chat:         chatService,
		issuer:       issuer,
		registered:   make(chan *Client),
		unregistered: make(chan *Client),
		inbound:      make(chan *inboundFrame, 64),
		shutdown:     make(chan struct{}),
		clients:      make(map[int64][]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run processes registrations and inbound frames until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.registered:
			h.mu.Lock()
			h.clients[client.identity.ID] = append(h.clients[client.identity.ID], client)
			h.mu.Unlock()
			log.Printf("realtime: user %d connected", client.identity.ID)

		case client := <-h.unregistered:
			h.drop(client)
			log.Printf("realtime: user %d disconnected", client.identity.ID)

		case frame := <-h.inbound:
			h.dispatch(frame)

		case <-h.shutdown:
			return
		}
	}
}

// Stop terminates the run loop and releases any connection goroutines
// still waiting to register or unregister. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

func (h *Hub) dispatch(frame *inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := h.chat.Send(ctx, frame.ConversationID, frame.from.identity.ID, frame.Content)
	if err != nil {
		reply := outboundFrame{Type: "error", Error: "message rejected"}
		if errors.Is(err, chat.ErrForbidden) || errors.Is(err, chat.ErrValidation) {
			reply.Error = err.Error()
		} else {
			log.Printf("realtime: send failed for user %d: %v", frame.from.identity.ID, err)
		}
		frame.from.deliver(reply)
		return
	}

	participants, err := h.chat.ActiveParticipants(ctx, frame.ConversationID)
	if err != nil {
		log.Printf("realtime: fan-out roster lookup failed: %v", err)
		frame.from.deliver(outboundFrame{Type: "message", Message: msg})
		return
	}

	h.fanout(participants, outboundFrame{Type: "message", Message: msg})
}

// Broadcast fans an already-persisted message out to the connected active
// participants of its conversation. The HTTP surface calls this after a
// successful send so both ingress paths deliver consistently.
func (h *Hub) Broadcast(ctx context.Context, msg *models.Message) {
	participants, err := h.chat.ActiveParticipants(ctx, msg.ConversationID)
	if err != nil {
		log.Printf("realtime: fan-out roster lookup failed: %v", err)
		return
	}
	h.fanout(participants, outboundFrame{Type: "message", Message: msg})
}

// drop removes one connection from the roster and closes its send channel.
// Removal and close share the mutex with fanout, so a frame is never
// delivered to a closed channel.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[client.identity.ID]
	for i, c := range conns {
		if c == client {
			h.clients[client.identity.ID] = append(conns[:i], conns[i+1:]...)
			close(client.send)
			break
		}
	}
	if len(h.clients[client.identity.ID]) == 0 {
		delete(h.clients, client.identity.ID)
	}
}

func (h *Hub) fanout(participants []int64, out outboundFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userID := range participants {
		for _, client := range h.clients[userID] {
			client.deliver(out)
		}
	}
}

// HandleWS upgrades an authorized request to a websocket connection. The
// bearer socket token travels in the token query parameter since browsers
// cannot set headers on websocket upgrades.
func (h *Hub) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	ident, err := h.issuer.Verify(token)
	if err != nil {
		if errors.Is(err, socket.ErrMissingSecret) {
			log.Printf("realtime: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	client := &Client{
		identity: ident,
		conn:     conn,
		send:     make(chan []byte, 16),
		hub:      h,
	}
	select {
	case h.registered <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) deliver(frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop the frame rather than block the hub.
	}
}
