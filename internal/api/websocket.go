package api

import (
	"net/http"
	"time"

	"mailflow/internal/services"
	"mailflow/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// EventStreamHandler streams scheduling events (sync progress, batch
// progress, queue lifecycle) to websocket clients.
type EventStreamHandler struct {
	bus      *services.EventBus
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// NewEventStreamHandler creates a new EventStreamHandler
func NewEventStreamHandler(bus *services.EventBus) *EventStreamHandler {
	return &EventStreamHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins; there is no user-facing auth surface
				return true
			},
		},
		logger: utils.NewLogger("EventStream"),
	}
}

// ServeWS upgrades the connection and forwards bus events until the client
// goes away.
func (h *EventStreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.bus.Subscribe(64)
	defer unsubscribe()

	// Drain client frames so pong handling and close detection work
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	h.logger.Debug("Event stream client connected: %s", r.RemoteAddr)
	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("Event stream client dropped: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
