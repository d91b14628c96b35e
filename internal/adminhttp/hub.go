package adminhttp

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/device"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/sdm"
	"github.com/bavix/nestbridge/internal/state"
)

const (
	defaultWebSocketWriteTimeout = 5 * time.Second
	defaultWebSocketSendBuffer   = 64
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type eventMessage struct {
	DeviceID string          `json:"device_id"`
	Kind     state.EventKind `json:"kind"`
	EventID  string          `json:"event_id,omitempty"`
}

// Hub broadcasts host notifications to websocket clients. Every client
// has its own queue and writer; a client whose queue is full is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
}

var _ bridge.Host = (*Hub)(nil)

// frameConn is the part of *websocket.Conn the writer uses.
type frameConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

var _ frameConn = (*websocket.Conn)(nil)

type client struct {
	conn frameConn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{}), buffer: defaultWebSocketSendBuffer}
}

func (h *Hub) DevicesChanged(_ context.Context, m device.Manifest) error {
	h.broadcast(Message{Type: "devices", Data: m})

	return nil
}

func (h *Hub) DeviceEvent(deviceID string, kind state.EventKind, ref sdm.EventRef) {
	h.broadcast(Message{Type: "event", Data: eventMessage{DeviceID: deviceID, Kind: kind, EventID: ref.EventID}})
}

func (h *Hub) StateChanged(s state.Snapshot) {
	h.broadcast(Message{Type: "state", Data: s})
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// add queues the initial frames ahead of any broadcast, registers the
// connection and starts its writer.
func (h *Hub) add(conn frameConn, initial ...Message) *client {
	c := &client{
		conn: conn,
		send: make(chan Message, h.buffer+len(initial)),
		done: make(chan struct{}),
	}

	for _, m := range initial {
		c.send <- m
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
}

// broadcast never blocks on a client.
func (h *Hub) broadcast(m Message) {
	var slow []*client

	h.mu.Lock()

	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			delete(h.clients, c)
			slow = append(slow, c)
		}
	}

	h.mu.Unlock()

	for _, c := range slow {
		metrics.M.WebSocketDropped.Inc()
		c.close()
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			if err := write(c.conn, m); err != nil {
				h.remove(c)

				return
			}
		}
	}
}

func write(c frameConn, m Message) error {
	_ = c.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteTimeout))

	return c.WriteJSON(m)
}
