package tools

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TrainClient queries the SNCF open data API for Transilien line L
// departures.
type TrainClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTrainClient(apiKey string) *TrainClient {
	return &TrainClient{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: "https://api.sncf.com/v1",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether an API key is present.
func (c *TrainClient) Configured() bool { return c.apiKey != "" }

// Departure is one upcoming train at a stop area.
type Departure struct {
	Direction         string `json:"direction"`
	DepartureTime     string `json:"departure_time"`
	BaseDepartureTime string `json:"base_departure_time"`
	Line              string `json:"line"`
	StopArea          string `json:"stop_area"`
}

// LineLDepartures fetches the next line L departures for a stop area.
func (c *TrainClient) LineLDepartures(ctx context.Context, stopAreaID string, count int) (map[string]any, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("SNCF_API_KEY is not configured")
	}
	stopAreaID = strings.TrimSpace(stopAreaID)
	if stopAreaID == "" {
		return nil, fmt.Errorf("stop_area_id is required")
	}
	if count < 1 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	endpoint := fmt.Sprintf("%s/coverage/sncf/stop_areas/%s/departures",
		c.baseURL, url.PathEscape(stopAreaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("count", strconv.Itoa(count))
	q.Set("line", "line:L")
	req.URL.RawQuery = q.Encode()
	// SNCF uses the key as basic auth user with an empty password.
	req.SetBasicAuth(c.apiKey, "")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sncf lookup failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sncf lookup failed: http status %d", res.StatusCode)
	}

	var parsed struct {
		Departures []struct {
			DisplayInformations struct {
				Direction string `json:"direction"`
				Code      string `json:"code"`
			} `json:"display_informations"`
			StopDateTime struct {
				DepartureDateTime     string `json:"departure_date_time"`
				BaseDepartureDateTime string `json:"base_departure_date_time"`
			} `json:"stop_date_time"`
			Route struct {
				Line struct {
					Name string `json:"name"`
				} `json:"line"`
			} `json:"route"`
			StopPoint struct {
				StopArea struct {
					Name string `json:"name"`
				} `json:"stop_area"`
			} `json:"stop_point"`
		} `json:"departures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode sncf response: %w", err)
	}

	departures := make([]Departure, 0, len(parsed.Departures))
	for _, item := range parsed.Departures {
		departures = append(departures, Departure{
			Direction:         item.DisplayInformations.Direction,
			DepartureTime:     item.StopDateTime.DepartureDateTime,
			BaseDepartureTime: item.StopDateTime.BaseDepartureDateTime,
			Line:              item.Route.Line.Name,
			StopArea:          item.StopPoint.StopArea.Name,
		})
	}

	return map[string]any{
		"stop_area_id": stopAreaID,
		"count":        count,
		"departures":   departures,
	}, nil
}

// FinanceClient fetches delayed quotes from stooq's CSV endpoint. No API key
// is required.
type FinanceClient struct {
	baseURL string
	client  *http.Client
}

func NewFinanceClient() *FinanceClient {
	return &FinanceClient{
		baseURL: "https://stooq.com/q/l/",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Price returns the latest quote for a symbol, e.g. "aapl.us".
func (c *FinanceClient) Price(ctx context.Context, symbol string) (map[string]any, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("s", symbol)
	q.Set("f", "sd2t2ohlcv")
	q.Set("h", "")
	q.Set("e", "csv")
	req.URL.RawQuery = q.Encode()

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price lookup failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price lookup failed: http status %d", res.StatusCode)
	}

	records, err := csv.NewReader(io.LimitReader(res.Body, 64<<10)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode quote csv: %w", err)
	}
	if len(records) < 2 || len(records[1]) < 8 {
		return nil, fmt.Errorf("symbol not found")
	}
	row := records[1]
	if row[6] == "" || row[6] == "N/A" {
		return nil, fmt.Errorf("symbol not found")
	}

	quoted := row[0]
	if quoted == "" {
		quoted = symbol
	}
	return map[string]any{
		"symbol": quoted,
		"date":   row[1],
		"time":   row[2],
		"open":   row[3],
		"high":   row[4],
		"low":    row[5],
		"close":  row[6],
		"volume": row[7],
	}, nil
}

// RegisterBuiltin wires the built-in tools into a registry. The train tool is
// registered even without an API key so the model gets a clear error payload
// instead of a missing capability.
func RegisterBuiltin(reg *Registry, trains *TrainClient, finance *FinanceClient) error {
	if err := reg.Register(Endpoint{
		Name:        "train_departures",
		Description: "Next Transilien line L departures for a SNCF stop area. Payload: {\"stop_area_id\": string, \"count\": int}.",
		Handler: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			stopArea, _ := payload["stop_area_id"].(string)
			count := intField(payload, "count", 5)
			return trains.LineLDepartures(ctx, stopArea, count)
		},
	}); err != nil {
		return err
	}
	return reg.Register(Endpoint{
		Name:        "finance_price",
		Description: "Latest delayed quote for a stock or index symbol. Payload: {\"symbol\": string}, e.g. \"aapl.us\".",
		Handler: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			symbol, _ := payload["symbol"].(string)
			return finance.Price(ctx, symbol)
		},
	})
}

func intField(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}
