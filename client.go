package main

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one live WebSocket connection. The transport layer (the pumps)
// owns the connection lifecycle; the Hub owns the userID -> Client mapping
// used for routing. userID stays 0 until the client authenticates.
type Client struct {
	conn *websocket.Conn
	send chan []byte // outbound JSON frames

	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	userID int64
	alive  bool   // flipped by the pong handler, cleared by the liveness probe
	email  string // cached by the reminder backfill
	group  string // group-call session key, "" when not joined
	info   *ParticipantInfo
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:  conn,
		send:  make(chan []byte, 256),
		done:  make(chan struct{}),
		alive: true,
	}
}

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id int64) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Client) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Client) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

func (c *Client) cachedEmail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email
}

func (c *Client) setEmail(email string) {
	c.mu.Lock()
	c.email = email
	c.mu.Unlock()
}

func (c *Client) groupSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

func (c *Client) setGroupSession(key string, info *ParticipantInfo) {
	c.mu.Lock()
	c.group = key
	if info != nil {
		c.info = info
	}
	c.mu.Unlock()
}

func (c *Client) participantInfo() *ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// trySend queues a frame without blocking. A full buffer means the client is
// stuck or not draining; the caller decides whether that prunes the client.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshalling outbound message for user %d: %v", c.UserID(), err)
		return false
	}
	return c.trySend(data)
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.setAlive(true)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error reading message: %v, client: %s (user %d)", err, c.conn.RemoteAddr(), c.UserID())
			}
			break
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			// A malformed payload kills this message only, never the connection.
			log.Printf("error decoding envelope from %s (user %d): %v, raw: %s", c.conn.RemoteAddr(), c.UserID(), err, raw)
			c.sendJSON(map[string]any{
				"type":    "error_response",
				"error":   "Invalid message structure",
				"details": err.Error(),
			})
			continue
		}

		hub.route(c, raw, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("error writing message: %v, client: %s (user %d)", err, c.conn.RemoteAddr(), c.UserID())
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// close releases the write pump. Safe to call more than once.
func (c *Client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ping sends a control probe directly on the connection. WriteControl is safe
// to call concurrently with the write pump.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *Client) terminate() {
	c.conn.Close()
}
