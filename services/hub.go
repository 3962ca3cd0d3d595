package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/wattline/home-energy/backend/models"
)

const (
	authTimeout    = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	pongWait       = heartbeatEvery + 10*time.Second
	writeWait      = 10 * time.Second
	sendBuffer     = 64
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsAuthRequest struct {
	Token string `json:"token"`
}

// Client is one live fanout connection. Writes go through a buffered
// send channel drained by a dedicated writer goroutine, so a slow or
// broken connection can never stall the producer side.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int
	authed bool
}

// Hub is the owned registry of live connections per account. All
// lifecycle goes through Register/unregister/BroadcastToUser; the maps
// are never shared outside the lock.
type Hub struct {
	db         *sql.DB
	aggregator *Aggregator
	jwtSecret  string

	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[int]map[*Client]bool
}

func NewHub(db *sql.DB, aggregator *Aggregator, jwtSecret string) *Hub {
	return &Hub{
		db:         db,
		aggregator: aggregator,
		jwtSecret:  jwtSecret,
		clients:    make(map[*Client]bool),
		byUser:     make(map[int]map[*Client]bool),
	}
}

// Register takes ownership of a freshly upgraded connection. The
// client is inert until it authenticates; a connection that sends no
// valid auth frame within the timeout is force-closed.
func (h *Hub) Register(conn *websocket.Conn) {
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()

	time.AfterFunc(authTimeout, func() {
		h.mu.RLock()
		authed := client.authed
		h.mu.RUnlock()
		if !authed {
			log.Printf("WARNING: Closing fanout connection from %s: no auth within %v",
				conn.RemoteAddr(), authTimeout)
			client.close()
		}
	})
}

// unregister is the only place a send channel is closed, and it does so
// under the write lock. Senders hold the read lock, so a client they can
// still see in the maps is guaranteed open.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if bucket, ok := h.byUser[client.userID]; ok {
		delete(bucket, client)
		if len(bucket) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	close(client.send)
}

// BroadcastToUser pushes a typed frame to every live connection of an
// account. Connections whose send buffer is full are dropped rather
// than waited on. The non-blocking sends happen under the read lock so
// a concurrent disconnect cannot close a channel mid-send.
func (h *Hub) BroadcastToUser(userID int, frameType string, data interface{}) {
	payload, err := encodeFrame(frameType, data)
	if err != nil {
		log.Printf("ERROR: Failed to encode %s frame: %v", frameType, err)
		return
	}

	var slow []*Client

	h.mu.RLock()
	for client := range h.byUser[userID] {
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.Printf("WARNING: Dropping slow fanout connection for user %d", userID)
		go client.close()
	}
}

// ConnectionCount reports live authenticated connections for an account.
func (h *Hub) ConnectionCount(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) authenticate(client *Client, tokenString string) (int, bool) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, false
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, false
	}
	return int(userID), true
}

// finishAuth binds the client to its account bucket and queues the
// snapshot. The ordering guarantee - auth_success, then the device
// snapshot, then the rollup snapshot, before any incremental update -
// holds because frames are queued here before the client is added to
// the broadcast bucket.
func (h *Hub) finishAuth(client *Client, userID int) {
	client.enqueue("auth_success", map[string]int{"user_id": userID})

	devices := h.deviceSnapshot(userID)
	client.enqueue("device_snapshot", devices)

	if summary, err := h.aggregator.Summary(userID); err == nil {
		client.enqueue("power_update", summary)
	} else {
		log.Printf("ERROR: Failed to build snapshot summary for user %d: %v", userID, err)
	}

	h.mu.Lock()
	client.userID = userID
	client.authed = true
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Client]bool)
	}
	h.byUser[userID][client] = true
	h.mu.Unlock()

	log.Printf("SUCCESS: Fanout connection authenticated for user %d (%d live)",
		userID, h.ConnectionCount(userID))
}

func (h *Hub) deviceSnapshot(userID int) []models.Device {
	rows, err := h.db.Query(`
		SELECT id, user_id, name, is_on, monthly_target_wh,
			COALESCE(connection_type, 'mqtt'), created_at
		FROM devices WHERE user_id = ?
	`, userID)
	if err != nil {
		log.Printf("ERROR: Device snapshot query failed: %v", err)
		return nil
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.IsOn, &d.MonthlyTargetWh,
			&d.ConnectionType, &d.CreatedAt); err != nil {
			continue
		}
		devices = append(devices, d)
	}
	return devices
}

// Client plumbing

func (c *Client) enqueue(frameType string, data interface{}) {
	payload, err := encodeFrame(frameType, data)
	if err != nil {
		log.Printf("ERROR: Failed to encode %s frame: %v", frameType, err)
		return
	}

	sent := false
	c.hub.mu.RLock()
	registered := c.hub.clients[c]
	if registered {
		select {
		case c.send <- payload:
			sent = true
		default:
		}
	}
	c.hub.mu.RUnlock()

	if registered && !sent {
		go c.close()
	}
}

func (c *Client) close() {
	c.hub.unregister(c)
	c.conn.Close()
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		if frame.Type == "auth" && !c.authed {
			var req wsAuthRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				c.enqueue("auth_error", map[string]string{"error": "malformed auth frame"})
				return
			}
			userID, ok := c.hub.authenticate(c, req.Token)
			if !ok {
				c.enqueue("auth_error", map[string]string{"error": "invalid or expired token"})
				// Give the writer a moment to flush the error frame
				time.Sleep(100 * time.Millisecond)
				return
			}
			c.hub.finishAuth(c, userID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

func encodeFrame(frameType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsFrame{Type: frameType, Data: raw})
}
