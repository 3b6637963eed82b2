// Package protocol defines the websocket payloads pushed to turn watchers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/margaux/internal/turn"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeTurnStatus    MessageType = "turn_status"
	TypeTurnCompleted MessageType = "turn_completed"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is the only inbound message; watchers may ask to close early.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// TurnStatus announces a status transition while the turn is in flight.
type TurnStatus struct {
	Type      MessageType `json:"type"`
	TurnID    string      `json:"turn_id"`
	SessionID string      `json:"session_id"`
	Status    turn.Status `json:"status"`
	TSMs      int64       `json:"ts_ms"`
}

// TurnCompleted carries the final record once the turn is terminal.
type TurnCompleted struct {
	Type MessageType `json:"type"`
	Turn *turn.Turn  `json:"turn"`
	TSMs int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id,omitempty"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

// NewTurnStatus builds a status event stamped with the current wall clock.
func NewTurnStatus(t *turn.Turn) TurnStatus {
	return TurnStatus{
		Type:      TypeTurnStatus,
		TurnID:    t.ID,
		SessionID: t.SessionID,
		Status:    t.Status,
		TSMs:      time.Now().UnixMilli(),
	}
}

// NewTurnCompleted wraps the terminal record for delivery.
func NewTurnCompleted(t *turn.Turn) TurnCompleted {
	return TurnCompleted{
		Type: TypeTurnCompleted,
		Turn: t,
		TSMs: time.Now().UnixMilli(),
	}
}

// ParseClientMessage decodes an inbound watcher message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
