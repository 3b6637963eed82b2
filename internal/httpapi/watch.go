package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/margaux/internal/protocol"
	"github.com/antoniostano/margaux/internal/turn"
)

const (
	watchPollInterval = 100 * time.Millisecond
	watchWriteWait    = 10 * time.Second
	watchReadWait     = 120 * time.Second
)

// handleWatchTurn streams status transitions for one turn over a websocket
// and closes after the terminal event. Watching a turn that is already
// terminal yields exactly the completion event.
func (s *Server) handleWatchTurn(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_turn_id", "missing turn id")
		return
	}
	if s.store.Get(id) == nil {
		respondError(w, http.StatusNotFound, "turn_not_found", "no turn with id "+id)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: honors close controls and detects disconnects.
	go func() {
		defer cancel()
		conn.SetReadLimit(64 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(watchReadWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(watchReadWait))
			return nil
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				continue
			}
			if ctl, ok := parsed.(protocol.ClientControl); ok && ctl.Action == "close" {
				return
			}
		}
	}()

	var lastStatus turn.Status
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		t := s.store.Get(id)
		if t == nil {
			_ = writeEvent(conn, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				TurnID: id,
				Code:   "turn_gone",
				Detail: "turn record disappeared",
			})
			return
		}

		if t.Status != lastStatus {
			lastStatus = t.Status
			if t.Status.Terminal() {
				_ = writeEvent(conn, protocol.NewTurnCompleted(t))
				return
			}
			if err := writeEvent(conn, protocol.NewTurnStatus(t)); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEvent(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(v)
}
