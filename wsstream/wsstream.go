// Package wsstream feeds task state change events to UI clients over
// websockets.
package wsstream

import (
	"context"
	"net/http"
	"time"

	"github.com/complab-ci/complab/model"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	sendBuffer = 16
)

// Event is one task state change pushed to clients
type Event struct {
	TaskID uint64    `json:"task_id"`
	Team   string    `json:"team"`
	Status string    `json:"status"`
	Commit string    `json:"commit"`
	Time   time.Time `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub broadcasts events to connected clients
type Hub struct {
	logger     *zap.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan Event
}

// NewHub creates a hub; call Run before registering handlers
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, sendBuffer),
	}
}

// Run owns the client set until the context ends
func (h *Hub) Run(ctx context.Context) error {
	clients := make(map[*client]bool)
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return ctx.Err()
		case c := <-h.register:
			clients[c] = true
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- ev:
				default:
					// slow client; drop it rather than stall the pipeline
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// TaskStateChanged implements the notifier hook for the scheduler
func (h *Hub) TaskStateChanged(ctx context.Context, team *model.Team, task *model.Task) {
	ev := Event{
		TaskID: task.ID,
		Team:   team.Name,
		Status: model.OutwardStatus(task),
		Commit: task.CommitHash,
		Time:   time.Now(),
	}
	select {
	case h.broadcast <- ev:
	case <-ctx.Done():
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register installs the websocket endpoint
func (h *Hub) Register(r *gin.Engine) {
	r.GET("/ws", h.handleWS)
}

func (h *Hub) handleWS(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
