package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/wojtczak/sygnal/internal/events"
)

const (
	streamBuffer       = 128
	streamWriteTimeout = 5 * time.Second
)

// EventStreamHandler pushes bus events to websocket clients as JSON frames.
// Slow clients are dropped from rather than allowed to stall the bus.
type EventStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

func NewEventStreamHandler(bus *events.Bus, log zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	wanted := parseTypeFilter(r.URL.Query().Get("types"))

	ch, cancel := h.bus.SubscribeAll(streamBuffer)
	defer cancel()

	h.log.Info().Str("remote", r.RemoteAddr).Int("filters", len(wanted)).Msg("Event stream client connected")
	defer h.log.Info().Str("remote", r.RemoteAddr).Msg("Event stream client disconnected")

	// CloseRead answers control frames and cancels the context when the
	// client goes away. The stream is write-only after this point.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(wanted) > 0 && !wanted[e.Type] {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, e)
}

// parseTypeFilter reads the optional comma-separated `types` query parameter.
// An empty filter means every event type is forwarded.
func parseTypeFilter(raw string) map[events.EventType]bool {
	wanted := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		wanted[events.EventType(part)] = true
	}
	return wanted
}
