// Package feed pushes booking changes to connected devices over websockets.
package feed

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tablealert/internal/metrics"
	"tablealert/internal/queue"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 32
)

// client is one websocket connection subscribed to one restaurant.
type client struct {
	conn         *websocket.Conn
	restaurantID string
	send         chan queue.BookingEvent
	closeOnce    sync.Once
	done         chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks connections per restaurant. It implements queue.Publisher so the
// service can publish straight to local clients when no stream is configured.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	seq     atomic.Int64
	log     logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		log:     log.WithField("component", "feed_hub"),
	}
}

// Serve registers conn for restaurantID and blocks until the peer goes away.
func (h *Hub) Serve(conn *websocket.Conn, restaurantID string) {
	c := &client{
		conn:         conn,
		restaurantID: restaurantID,
		send:         make(chan queue.BookingEvent, sendBuffer),
		done:         make(chan struct{}),
	}
	h.add(c)
	defer h.remove(c)

	go h.writeLoop(c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.restaurantID]; !ok {
		h.clients[c.restaurantID] = make(map[*client]struct{})
	}
	h.clients[c.restaurantID][c] = struct{}{}
	total := len(h.clients[c.restaurantID])
	h.mu.Unlock()

	metrics.FeedClients.Inc()
	h.log.WithFields(logrus.Fields{"restaurant_id": c.restaurantID, "connections": total}).Info("Feed client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	removed := false
	if conns, ok := h.clients[c.restaurantID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			removed = true
		}
		if len(conns) == 0 {
			delete(h.clients, c.restaurantID)
		}
	}
	h.mu.Unlock()

	c.close()
	_ = c.conn.Close()
	if removed {
		metrics.FeedClients.Dec()
		h.log.WithField("restaurant_id", c.restaurantID).Info("Feed client disconnected")
	}
}

// writeLoop is the only writer on the connection.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				h.log.WithError(err).WithField("restaurant_id", c.restaurantID).Warn("Feed write failed")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Publish delivers event to every client of its restaurant. Slow clients are
// dropped rather than blocking the publisher; they resync on reconnect.
func (h *Hub) Publish(ctx context.Context, event queue.BookingEvent) (string, error) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[event.RestaurantID] {
		select {
		case c.send <- event:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("restaurant_id", c.restaurantID).Warn("Feed client too slow, disconnecting")
		h.remove(c)
	}
	return "local-" + strconv.FormatInt(h.seq.Add(1), 10), nil
}

// Count returns connected clients for a restaurant.
func (h *Hub) Count(restaurantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[restaurantID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}
