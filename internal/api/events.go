package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/relaybot/relaybot/internal/bus"
)

// EventsHandler streams bus events to WebSocket clients. Clients may scope
// the stream to one session with ?tenant_id=&bot_id= query parameters.
type EventsHandler struct {
	events *bus.Bus
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(events *bus.Bus) *EventsHandler {
	return &EventsHandler{events: events}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	botID := r.URL.Query().Get("bot_id")
	slog.Info("Event stream connection", "ip", r.RemoteAddr, "tenant_id", tenantID, "bot_id", botID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pings are answered and closes are noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	ch, unsubscribe := h.events.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if tenantID != "" && ev.TenantID != tenantID {
				continue
			}
			if botID != "" && ev.BotID != botID {
				continue
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("Event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
