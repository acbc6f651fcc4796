// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package notify fans drop state changes out to subscribers: a
// websocket hub with per-drop topics, and optional email for winner
// notifications.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/10thfloor/dropcoord/drop"
)

const (
	// TopicDrops receives every drop event.
	TopicDrops = "drops"

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// DropTopic names the per-drop topic.
func DropTopic(dropID string) string {
	return "drop/" + dropID
}

// Hub is a topic-based websocket broadcaster. It implements
// drop.Publisher.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics []string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The projection serves opaque ids only; subscriptions are
			// open to any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*client]struct{}),
	}
}

// PublishDrop broadcasts the event to the drop's topic and the global
// drops topic.
func (h *Hub) PublishDrop(dropID string, ev drop.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("encode drop event for %s: %v", dropID, err)
		return
	}
	h.broadcast(TopicDrops, raw)
	h.broadcast(DropTopic(dropID), raw)
}

func (h *Hub) broadcast(topic string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[topic] {
		select {
		case c.send <- raw:
		default:
			// Slow consumer; drop the connection rather than the hub.
			h.removeLocked(c)
			close(c.send)
		}
	}
}

// ServeWS upgrades the request and subscribes the connection to the
// given topics.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, topics ...string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), topics: topics}

	h.mu.Lock()
	for _, topic := range topics {
		if h.subs[topic] == nil {
			h.subs[topic] = make(map[*client]struct{})
		}
		h.subs[topic][c] = struct{}{}
	}
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
}

// SubscriberCount reports the subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// readPump discards inbound frames; its job is noticing the close.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if h.removeLocked(c) {
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

// removeLocked unsubscribes the client from all its topics. Callers
// hold the hub lock. Reports whether the client was still subscribed.
func (h *Hub) removeLocked(c *client) bool {
	removed := false
	for _, topic := range c.topics {
		if _, ok := h.subs[topic][c]; ok {
			delete(h.subs[topic], c)
			removed = true
		}
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
	}
	return removed
}
