package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/auth"
	"github.com/dgnsrekt/forumlive/internal/live"
)

// Listener is the part of the live queue a socket needs.
type Listener interface {
	Listen(ctx context.Context, userID, lastID int64) (live.LiveData, error)
	CurrentLastID() int64
}

// Hub tracks live WebSocket connections. Each client runs its own listen loop
// against the queue, so the hub only handles registration and shutdown.
type Hub struct {
	listener   Listener
	encoder    *Encoder
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(listener Listener, logger *zap.Logger) (*Hub, error) {
	encoder, err := NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Hub{
		listener:   listener,
		encoder:    encoder,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}, nil
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", zap.Int("clients", h.ClientCount()))
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("connID", client.connID),
				zap.Int64("userID", client.userID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("connID", client.connID))
		}
	}
}

// shutdown closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	close(h.done)
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleLive upgrades the request and streams the caller's live data from lastId,
// or from the newest event when lastId is absent.
func (h *Hub) HandleLive(w http.ResponseWriter, r *http.Request) {
	lastID := h.listener.CurrentLastID()
	if raw := r.URL.Query().Get("lastId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid lastId", http.StatusBadRequest)
			return
		}
		lastID = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = ProtocolJSON
	}
	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("protocol", protocol),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	client := newClient(h, conn, auth.UserID(r.Context()), protocol)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	client.enqueue(Frame{
		Type:         FrameConnected,
		ConnectionID: client.connID,
		UserID:       client.userID,
		LastID:       lastID,
	})

	go client.writePump()
	go client.readPump()
	go client.listenPump(lastID)
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func newConnID() string {
	return uuid.New().String()
}
