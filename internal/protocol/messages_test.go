package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/antoniostano/margaux/internal/turn"
)

func TestParseClientControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"close"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(ClientControl)
	if !ok || msg.Action != "close" {
		t.Fatalf("parsed = %#v", parsed)
	}
}

func TestParseClientControlMissingAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control"}`)); err == nil {
		t.Fatalf("expected error for missing action")
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"turn_status"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseInvalidEnvelope(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{nope`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestTurnEventsCarryIdentity(t *testing.T) {
	tn := turn.New("session-7")
	tn.Status = turn.StatusGenerating

	ev := NewTurnStatus(tn)
	if ev.Type != TypeTurnStatus || ev.TurnID != tn.ID || ev.SessionID != "session-7" || ev.Status != turn.StatusGenerating {
		t.Fatalf("event = %+v", ev)
	}
	if ev.TSMs <= 0 {
		t.Fatalf("ts_ms = %d", ev.TSMs)
	}

	tn.Status = turn.StatusDone
	done := NewTurnCompleted(tn)
	data, err := json.Marshal(done)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != string(TypeTurnCompleted) {
		t.Fatalf("type = %v", decoded["type"])
	}
	inner := decoded["turn"].(map[string]any)
	if inner["status"] != string(turn.StatusDone) {
		t.Fatalf("turn payload = %v", inner)
	}
}
