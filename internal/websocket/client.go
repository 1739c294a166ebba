package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"match-service/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one authenticated WebSocket connection.
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	userID       uuid.UUID
	connectionID uuid.UUID
	displayName  string
	relay        *Relay
}

func (c *Client) UserID() uuid.UUID { return c.userID }

func (c *Client) enqueue(ev domain.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.relay.handleDisconnect(c)
		c.relay.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.relay.logger.Warn("websocket read error",
					zap.String("userId", c.userID.String()), zap.Error(err))
			}
			break
		}

		var ev domain.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.relay.logger.Warn("failed to parse inbound event",
				zap.String("userId", c.userID.String()), zap.Error(err))
			continue
		}

		if err := c.relay.handleEvent(c, ev); err != nil {
			c.relay.logger.Error("failed to handle event",
				zap.String("type", ev.Type),
				zap.String("userId", c.userID.String()),
				zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	// The presence record must be refreshed well inside its TTL; pings fire
	// too slowly for that, so liveness gets its own ticker.
	heartbeat := time.NewTicker(c.relay.heartbeatInterval)
	defer func() {
		ticker.Stop()
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.relay.presence.Heartbeat(ctx, c.userID, c.connectionID, c.displayName); err != nil {
				c.relay.logger.Warn("heartbeat failed",
					zap.String("userId", c.userID.String()), zap.Error(err))
			}
			cancel()
		}
	}
}
