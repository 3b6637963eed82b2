package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTrainClientUnconfigured(t *testing.T) {
	c := NewTrainClient("")
	if c.Configured() {
		t.Fatalf("Configured() = true without key")
	}
	if _, err := c.LineLDepartures(context.Background(), "stop_area:SNCF:87382002", 5); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestTrainClientDepartures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "key-123" {
			t.Errorf("basic auth user = %q", user)
		}
		if got := r.URL.Query().Get("line"); got != "line:L" {
			t.Errorf("line = %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "20" {
			t.Errorf("count = %q, want clamped to 20", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"departures":[{
			"display_informations":{"direction":"Paris Saint-Lazare"},
			"stop_date_time":{"departure_date_time":"20260831T101500","base_departure_date_time":"20260831T101200"},
			"route":{"line":{"name":"L"}},
			"stop_point":{"stop_area":{"name":"Bécon-les-Bruyères"}}
		}]}`))
	}))
	defer srv.Close()

	c := NewTrainClient("key-123")
	c.baseURL = srv.URL

	out, err := c.LineLDepartures(context.Background(), "stop_area:SNCF:87382002", 99)
	if err != nil {
		t.Fatalf("LineLDepartures() error = %v", err)
	}
	if out["count"] != 20 {
		t.Fatalf("count = %v, want clamped to 20", out["count"])
	}
	departures := out["departures"].([]Departure)
	if len(departures) != 1 {
		t.Fatalf("departures = %d, want 1", len(departures))
	}
	d := departures[0]
	if d.Direction != "Paris Saint-Lazare" || d.Line != "L" || d.DepartureTime != "20260831T101500" {
		t.Fatalf("departure = %+v", d)
	}
}

func TestTrainClientEmptyStopArea(t *testing.T) {
	c := NewTrainClient("key")
	if _, err := c.LineLDepartures(context.Background(), "  ", 5); err == nil {
		t.Fatalf("expected error for blank stop_area_id")
	}
}

func TestFinanceClientPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("s"); got != "aapl.us" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte("Symbol,Date,Time,Open,High,Low,Close,Volume\nAAPL.US,2026-08-28,22:00:08,230.1,233.4,229.5,232.6,51234567\n"))
	}))
	defer srv.Close()

	c := NewFinanceClient()
	c.baseURL = srv.URL

	out, err := c.Price(context.Background(), "aapl.us")
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if out["symbol"] != "AAPL.US" || out["close"] != "232.6" || out["volume"] != "51234567" {
		t.Fatalf("quote = %v", out)
	}
}

func TestFinanceClientUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Symbol,Date,Time,Open,High,Low,Close,Volume\nXXXX,N/A,N/A,N/A,N/A,N/A,N/A,N/A\n"))
	}))
	defer srv.Close()

	c := NewFinanceClient()
	c.baseURL = srv.URL

	if _, err := c.Price(context.Background(), "xxxx"); err == nil {
		t.Fatalf("expected error for N/A close")
	}
}

func TestRegisterBuiltin(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltin(reg, NewTrainClient(""), NewFinanceClient()); err != nil {
		t.Fatalf("RegisterBuiltin() error = %v", err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "finance_price" || names[1] != "train_departures" {
		t.Fatalf("names = %v", names)
	}

	// The unconfigured train tool fails soft through Execute.
	res := reg.Execute(context.Background(), "train_departures", `{"payload":{"stop_area_id":"x"}}`)
	if res["ok"] != false {
		t.Fatalf("ok = %v, want false", res["ok"])
	}
	if msg, _ := res["error"].(string); !strings.Contains(msg, "SNCF_API_KEY") {
		t.Fatalf("error = %q", msg)
	}
}
