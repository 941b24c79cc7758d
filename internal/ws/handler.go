package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/meshboard/meshboard/internal/auth"
	"github.com/meshboard/meshboard/internal/event"
	"go.uber.org/zap"
)

// Handler provides the WebSocket endpoint streaming host events in real time.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	bus    *event.Bus
	unsub  func()
	logger *zap.Logger
}

// Compile-time check that Handler implements the server route interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to the host bus.
func NewHandler(tokens *auth.TokenService, bus *event.Bus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		bus:    bus,
		logger: logger,
	}
	h.unsub = bus.SubscribeAll(h.forward)
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.handleEventStream)
}

// Close detaches the handler from the bus.
func (h *Handler) Close() {
	if h.unsub != nil {
		h.unsub()
	}
}

// forward fans one bus event out to every connected client.
func (h *Handler) forward(_ context.Context, ev event.Event) {
	h.hub.Broadcast(Message{
		Type:      ev.Topic,
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Data:      ev.Payload,
	})
}

// handleEventStream upgrades the connection and streams host events.
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Validate JWT from query parameter (browser WS API doesn't support headers).
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}
	if _, err := h.tokens.Validate(token); err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow any origin since we validate via JWT token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan Message, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
