package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/marketwatch/internal/events"
)

const (
	streamBufferSize   = 100
	streamWriteTimeout = 5 * time.Second
	streamHeartbeat    = 30 * time.Second
)

// streamMessage is one frame on the change stream
type streamMessage struct {
	Type      string      `json:"type"`
	Module    string      `json:"module,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// handleEventsWebSocket streams bus events to a websocket client. ?types=A,B limits the
// stream to the named event types; the default is every type.
// GET /api/events/ws
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	eventTypes, ok := parseEventTypes(r.URL.Query().Get("types"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "unknown event type")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Client messages are ignored; ctx ends when the client goes away
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, streamBufferSize)
	subs := s.bus.SubscribeAll(eventTypes, func(event *events.Event) {
		// Never block the publisher
		select {
		case eventChan <- event:
		default:
			s.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event stream buffer full, dropping event")
		}
	})
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	s.log.Info().Int("types", len(eventTypes)).Msg("Client connected to event stream")

	if err := s.writeFrame(ctx, conn, streamMessage{Type: "connected", Timestamp: time.Now()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case event := <-eventChan:
			msg := streamMessage{
				Type:      string(event.Type),
				Module:    event.Module,
				Timestamp: event.Timestamp,
				Data:      event.Data,
			}
			if err := s.writeFrame(ctx, conn, msg); err != nil {
				s.log.Debug().Err(err).Msg("Event stream write failed")
				return
			}

		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("Event stream ping failed")
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

// parseEventTypes parses a comma-separated type filter; empty means all types
func parseEventTypes(raw string) ([]events.EventType, bool) {
	if strings.TrimSpace(raw) == "" {
		return events.AllEventTypes, true
	}

	known := make(map[events.EventType]bool, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		known[t] = true
	}

	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := events.EventType(strings.ToUpper(part))
		if !known[t] {
			return nil, false
		}
		out = append(out, t)
	}
	return out, len(out) > 0
}
