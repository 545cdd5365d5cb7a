package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // room for JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, this should be more restrictive
		return true
	},
}

// maxStreamMessage bounds pushed frames on /ws/stream.
const maxStreamMessage = 10 << 20

// StreamSession is a running relay-backed pipeline session controlled by a
// remote camera proxy.
type StreamSession interface {
	Push(jpeg []byte) bool
	Stop()
}

// SessionStarter creates a new stream session. Starting fails when a session
// is already running or the camera cannot be opened.
type SessionStarter func() (StreamSession, error)

// TokenValidator checks observer credentials. Optional; a nil validator
// leaves the endpoints open.
type TokenValidator interface {
	Validate(token string) error
}

// Handler serves the websocket endpoints: /ws/admin for observers,
// /ws/customer/{id} for shopper notifications, and /ws/stream for remote
// frame proxies.
type Handler struct {
	hub          *Hub
	startSession SessionStarter
	validator    TokenValidator
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, startSession SessionStarter, validator TokenValidator) *Handler {
	return &Handler{
		hub:          hub,
		startSession: startSession,
		validator:    validator,
	}
}

// ServeAdmin upgrades an observer connection and registers it with the hub.
func (h *Handler) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New observer from %s", r.RemoteAddr)
	h.hub.Register(conn)

	go h.readPump(conn, func() { h.hub.Unregister(conn) })
}

// ServeCustomer upgrades a customer connection.
// Expected URL format: /ws/customer/{customer_id}
func (h *Handler) ServeCustomer(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/customer/")
	customerID := strings.TrimSuffix(path, "/")
	if customerID == "" {
		http.Error(w, "customer_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	h.hub.RegisterCustomer(customerID, conn)
	go h.readPump(conn, func() { h.hub.UnregisterCustomer(customerID, conn) })
}

// ServeStream handles a remote camera proxy. Text messages carry control
// commands; binary messages are JPEG frames for the active session.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	if h.startSession == nil {
		http.Error(w, "streaming not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] Stream proxy connected from %s", r.RemoteAddr)
	go h.streamPump(conn)
}

// streamPump drives one proxy connection. The session stops when the proxy
// asks or disconnects.
func (h *Handler) streamPump(conn *websocket.Conn) {
	var session StreamSession
	defer func() {
		if session != nil {
			session.Stop()
		}
		conn.Close()
		log.Printf("[WS] Stream proxy disconnected")
	}()

	conn.SetReadLimit(maxStreamMessage)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Stream read error: %v", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if session != nil {
				session.Push(data)
			}

		case websocket.TextMessage:
			var cmd streamCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}

			switch cmd.Action {
			case "start_stream":
				if session != nil {
					h.ack(conn, cmd.Action, false, "stream already running")
					continue
				}
				s, err := h.startSession()
				if err != nil {
					log.Printf("[WS] Failed to start stream session: %v", err)
					h.ack(conn, cmd.Action, false, err.Error())
					continue
				}
				session = s
				h.ack(conn, cmd.Action, true, "")

			case "stop_stream":
				if session != nil {
					session.Stop()
					session = nil
				}
				h.ack(conn, cmd.Action, true, "")
			}
		}
	}
}

func (h *Handler) ack(conn *websocket.Conn, action string, ok bool, errMsg string) {
	data, err := json.Marshal(streamAck{Type: "ack", Action: action, OK: ok, Error: errMsg})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
}

// readPump keeps an observer connection alive and detects disconnection.
func (h *Handler) readPump(conn *websocket.Conn, onClose func()) {
	done := make(chan struct{})
	defer func() {
		close(done)
		onClose()
		conn.Close()
	}()

	conn.SetReadLimit(512) // observers shouldn't send much
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go pingLoop(conn, done, 30*time.Second)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			break
		}
	}
}

// pingLoop pings the connection at the given interval until a ping fails or
// the read pump signals done.
func pingLoop(conn Conn, done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorized checks the request token when a validator is configured.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.validator == nil {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if err := h.validator.Validate(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
