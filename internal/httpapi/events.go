package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/events"
)

const (
	eventsBuffer       = 256
	eventsWriteTimeout = 10 * time.Second
	eventsPongWait     = 60 * time.Second
	eventsPingPeriod   = eventsPongWait * 9 / 10
)

type streamedEvent struct {
	Type    string        `json:"type"`
	Event   *events.Event `json:"event"`
}

// handleEventsWS streams task lifecycle events. An optional agent query
// parameter narrows the stream to one agent.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event bus not configured")
		return
	}
	agentFilter := strings.TrimSpace(r.URL.Query().Get("agent"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan streamedEvent, eventsBuffer)
	sub, err := s.bus.Subscribe(s.eventSubject, func(_ context.Context, ev *events.Event) error {
		if agentFilter != "" && !eventForAgent(ev, agentFilter) {
			return nil
		}
		select {
		case outbound <- streamedEvent{Type: ev.Type, Event: ev}:
		default:
			// Keep websocket writes single-threaded; drop when the client lags.
			s.log.Debug("event stream saturated, dropping event", zap.String("event_id", ev.ID))
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("event stream subscribe failed")
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(eventsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
	<-writerDone
}

func eventForAgent(ev *events.Event, agentID string) bool {
	if ev == nil || ev.Data == nil {
		return false
	}
	v, _ := ev.Data["agent_id"].(string)
	return v == agentID
}
