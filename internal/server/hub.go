package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/api"
)

const writeTimeout = 10 * time.Second

// Hub tracks the live push connection of each device. One connection per
// device: a new subscription supersedes the old one.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*deviceConn
}

type deviceConn struct {
	mu   sync.Mutex // serializes writes
	conn *websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*deviceConn)}
}

// Register attaches a device's push connection, closing any previous one.
func (h *Hub) Register(deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[deviceID]
	h.conns[deviceID] = &deviceConn{conn: conn}
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
		log.Printf("[HUB] superseded connection for device %s", deviceID)
	} else {
		log.Printf("[HUB] device %s connected", deviceID)
	}
}

// Unregister detaches a connection if it is still the current one.
func (h *Hub) Unregister(deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	if cur := h.conns[deviceID]; cur != nil && cur.conn == conn {
		delete(h.conns, deviceID)
	}
	h.mu.Unlock()
}

// Connected reports whether the device has a live push connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[deviceID] != nil
}

// SendToDevice pushes one frame to a device. Delivery is best-effort; a
// disconnected device simply misses the signal and reconciles on its next
// fetch.
func (h *Hub) SendToDevice(deviceID string, frameType string, payload any) {
	h.mu.RLock()
	dc := h.conns[deviceID]
	h.mu.RUnlock()
	if dc == nil {
		return
	}

	frame, err := api.NewFrame(frameType, payload)
	if err != nil {
		log.Printf("[HUB] encode %s frame: %v", frameType, err)
		return
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := dc.conn.WriteJSON(frame); err != nil {
		log.Printf("[HUB] push to %s failed: %v", deviceID, err)
		dc.conn.Close()
		h.Unregister(deviceID, dc.conn)
	}
}
