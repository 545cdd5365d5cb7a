package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"freshcart/internal/pipeline"
)

// writeWait is how long a single observer write may take before the observer
// is considered dead.
const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the hub needs. Narrowed for tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Hub owns the observer registry. Admin observers receive every processed
// frame (metadata + binary JPEG) and every inventory event; customer
// connections receive recommendation notifications addressed to them.
// Delivery is best-effort and at-most-once: a failed send prunes that
// observer and nobody else, with no buffering or retry.
type Hub struct {
	mu        sync.RWMutex
	observers map[Conn]*observer
	customers map[string]map[Conn]*observer
}

// observer serializes writes to one connection; gorilla conns do not allow
// concurrent writers.
type observer struct {
	conn Conn
	mu   sync.Mutex
}

func (o *observer) send(messageType int, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteMessage(messageType, data)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		observers: make(map[Conn]*observer),
		customers: make(map[string]map[Conn]*observer),
	}
}

// Register adds an admin observer.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[conn] = &observer{conn: conn}
	log.Printf("[WS] Observer registered (total: %d)", len(h.observers))
}

// Unregister removes an admin observer.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, conn)
	log.Printf("[WS] Observer unregistered (remaining: %d)", len(h.observers))
}

// RegisterCustomer adds a connection for a customer.
func (h *Hub) RegisterCustomer(customerID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.customers[customerID] == nil {
		h.customers[customerID] = make(map[Conn]*observer)
	}
	h.customers[customerID][conn] = &observer{conn: conn}
	log.Printf("[WS] Customer %s connected", customerID)
}

// UnregisterCustomer removes a customer connection.
func (h *Hub) UnregisterCustomer(customerID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.customers[customerID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.customers, customerID)
		}
	}
}

// ObserverCount returns the number of admin observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// HasObservers reports whether anyone is watching.
func (h *Hub) HasObservers() bool {
	return h.ObserverCount() > 0
}

// BroadcastFrame sends the frame metadata followed by the binary JPEG to
// every admin observer. Implements pipeline.Broadcaster.
func (h *Hub) BroadcastFrame(frame *pipeline.Frame, detections []pipeline.Detection, fps float64) {
	meta, err := json.Marshal(NewFrameMeta(frame, detections, fps))
	if err != nil {
		log.Printf("[WS] Error marshaling frame metadata: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		if err := o.send(websocket.TextMessage, meta); err != nil {
			h.prune(o)
			continue
		}
		if err := o.send(websocket.BinaryMessage, frame.Data); err != nil {
			h.prune(o)
		}
	}
}

// BroadcastEvent sends a JSON event to every admin observer.
func (h *Hub) BroadcastEvent(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Error marshaling event: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		if err := o.send(websocket.TextMessage, data); err != nil {
			h.prune(o)
		}
	}
}

// NotifyCustomer sends a JSON event to every connection of one customer.
func (h *Hub) NotifyCustomer(customerID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Error marshaling customer event: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*observer, 0)
	for _, o := range h.customers[customerID] {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		if err := o.send(websocket.TextMessage, data); err != nil {
			h.pruneCustomer(customerID, o)
		}
	}
}

// prune drops a failed observer and closes its connection.
func (h *Hub) prune(o *observer) {
	h.mu.Lock()
	delete(h.observers, o.conn)
	remaining := len(h.observers)
	h.mu.Unlock()

	o.conn.Close()
	log.Printf("[WS] Pruned failed observer (remaining: %d)", remaining)
}

func (h *Hub) pruneCustomer(customerID string, o *observer) {
	h.mu.Lock()
	if conns, ok := h.customers[customerID]; ok {
		delete(conns, o.conn)
		if len(conns) == 0 {
			delete(h.customers, customerID)
		}
	}
	h.mu.Unlock()

	o.conn.Close()
}

// Ensure Hub implements pipeline.Broadcaster
var _ pipeline.Broadcaster = (*Hub)(nil)
