package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/live"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{ProtocolJSON, ProtocolProtobuf},
}

// Client is one live WebSocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	connID   string
	userID   int64
	protocol string
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, userID int64, protocol string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	connID := newConnID()
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		connID:   connID,
		userID:   userID,
		protocol: protocol,
		logger:   h.logger.With(zap.String("connID", connID)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// close stops the client's pumps. Frames already queued are still written.
func (c *Client) close() {
	c.closeOnce.Do(c.cancel)
}

// listenPump long-polls the queue and forwards each delivery.
func (c *Client) listenPump(lastID int64) {
	defer c.close()

	for {
		data, err := c.hub.listener.Listen(c.ctx, c.userID, lastID)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if live.IsExpired(err) {
				c.logger.Debug("listener expired", zap.Int64("lastID", lastID))
				c.enqueue(Frame{Type: FrameExpired, LastID: lastID, Error: err.Error()})
				return
			}
			c.logger.Error("listen failed", zap.Int64("lastID", lastID), zap.Error(err))
			c.enqueue(Frame{Type: FrameError, LastID: lastID, Error: "listen failed"})
			return
		}

		lastID = data.LastID
		if !c.enqueue(Frame{Type: FrameLive, LastID: data.LastID, Data: &data}) {
			return
		}
	}
}

// enqueue encodes f and queues it for writePump. A client whose buffer is full is closed.
func (c *Client) enqueue(f Frame) bool {
	msg, err := c.hub.encoder.Encode(c.protocol, f)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return false
	}

	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, closing client")
		c.close()
		return false
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(msgType, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.BinaryMessage
	if c.protocol == ProtocolJSON {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.drain(msgType)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before the client was closed.
func (c *Client) drain(msgType int) {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleMessage processes an incoming upstream message.
func (c *Client) handleMessage(msgType int, data []byte) {
	var msg any
	var err error
	if msgType == websocket.TextMessage {
		msg, err = parseUpstreamMessageJSON(data)
	} else {
		msg, err = parseUpstreamMessage(data)
	}

	if err != nil {
		c.logger.Debug("failed to parse upstream message",
			zap.String("protocol", c.protocol),
			zap.Error(err),
		)
		return
	}

	switch msg.(type) {
	case *pingRequest:
		c.enqueue(Frame{Type: FramePong})
	}
}
