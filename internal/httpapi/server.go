// Package httpapi exposes the turn lifecycle over HTTP: audio ingress,
// status reads, audio egress, a websocket watcher and the side routes for
// trains, finance, health and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/margaux/internal/config"
	"github.com/antoniostano/margaux/internal/observability"
	"github.com/antoniostano/margaux/internal/tools"
	"github.com/antoniostano/margaux/internal/turn"
	"github.com/antoniostano/margaux/internal/worker"
)

// maxUploadBytes caps the ingress audio payload at 25 MiB.
const maxUploadBytes = 25 << 20

type Server struct {
	cfg      config.Config
	store    *turn.Store
	pool     *worker.Pool
	metrics  *observability.Metrics
	trains   *tools.TrainClient
	finance  *tools.FinanceClient
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *turn.Store, pool *worker.Pool, metrics *observability.Metrics, trains *tools.TrainClient, finance *tools.FinanceClient) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		metrics: metrics,
		trains:  trains,
		finance: finance,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so a
				// random website cannot watch turns on an exposed instance.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/turns", s.handleCreateTurn)
	r.Get("/v1/turns/{id}", s.handleGetTurn)
	r.Get("/v1/turns/{id}/audio", s.handleGetTurnAudio)
	r.Get("/v1/turns/{id}/ws", s.handleWatchTurn)

	r.Get("/v1/trains/line-l/departures", s.handleTrainDepartures)
	r.Get("/v1/finance/price", s.handleFinancePrice)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"turns":  s.store.Len(),
	})
}

// handleCreateTurn accepts multipart audio, persists it under the data dir
// and enqueues the turn. The response is 202; progress is read back via
// GET or the websocket.
func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart form required: "+err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "form field audio is required")
		return
	}
	defer file.Close()

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	t := turn.New(sessionID)

	audioPath, err := s.saveUpload(t.ID, header.Filename, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	t.AudioInPath = audioPath
	s.store.Put(t)

	if err := s.pool.Enqueue(t.ID); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "queue_full", "turn queue is at capacity, retry later")
			return
		}
		respondError(w, http.StatusInternalServerError, "enqueue_error", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.TurnsCreated.Inc()
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"turn_id":    t.ID,
		"session_id": t.SessionID,
		"status":     t.Status,
	})
}

func (s *Server) saveUpload(turnID, filename string, src io.Reader) (string, error) {
	dir := filepath.Join(s.cfg.DataDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".wav"
	}
	path := filepath.Join(dir, turnID+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	t := s.lookupTurn(w, r)
	if t == nil {
		return
	}
	respondJSON(w, http.StatusOK, turnView(t))
}

func (s *Server) handleGetTurnAudio(w http.ResponseWriter, r *http.Request) {
	t := s.lookupTurn(w, r)
	if t == nil {
		return
	}
	if t.Status != turn.StatusDone || t.AudioOutPath == "" {
		respondError(w, http.StatusNotFound, "audio_not_ready", "turn has no synthesized audio")
		return
	}
	if _, err := os.Stat(t.AudioOutPath); err != nil {
		respondError(w, http.StatusNotFound, "audio_missing", "synthesized audio is gone")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, t.AudioOutPath)
}

func (s *Server) lookupTurn(w http.ResponseWriter, r *http.Request) *turn.Turn {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_turn_id", "missing turn id")
		return nil
	}
	t := s.store.Get(id)
	if t == nil {
		respondError(w, http.StatusNotFound, "turn_not_found", "no turn with id "+id)
		return nil
	}
	return t
}

// turnView is the external representation; filesystem paths stay private and
// the audio link only appears once it is downloadable.
func turnView(t *turn.Turn) map[string]any {
	view := map[string]any{
		"turn_id":    t.ID,
		"session_id": t.SessionID,
		"status":     t.Status,
		"created_at": t.CreatedAt,
		"timings":    t.Timings,
	}
	if t.Transcript != "" {
		view["transcript"] = t.Transcript
	}
	if t.AssistantMsg != "" {
		view["assistant_text"] = t.AssistantMsg
	}
	if len(t.ToolCalls) > 0 {
		view["tool_calls"] = t.ToolCalls
	}
	if len(t.ToolResults) > 0 {
		view["tool_results"] = t.ToolResults
	}
	if t.Error != "" {
		view["error"] = t.Error
	}
	if t.Status == turn.StatusDone && t.AudioOutPath != "" {
		if _, err := os.Stat(t.AudioOutPath); err == nil {
			view["audio_url"] = "/v1/turns/" + t.ID + "/audio"
		}
	}
	return view
}

func (s *Server) handleTrainDepartures(w http.ResponseWriter, r *http.Request) {
	if s.trains == nil || !s.trains.Configured() {
		respondError(w, http.StatusServiceUnavailable, "not_configured", "SNCF_API_KEY is not configured")
		return
	}
	stopArea := strings.TrimSpace(r.URL.Query().Get("stop_area_id"))
	if stopArea == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "stop_area_id is required")
		return
	}
	count := 5
	if v := strings.TrimSpace(r.URL.Query().Get("count")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "count must be an integer")
			return
		}
		count = n
	}

	out, err := s.trains.LineLDepartures(r.Context(), stopArea, count)
	if err != nil {
		respondError(w, http.StatusBadGateway, "sncf_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFinancePrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "symbol is required")
		return
	}
	out, err := s.finance.Price(r.Context(), symbol)
	if err != nil {
		if strings.Contains(err.Error(), "symbol not found") {
			respondError(w, http.StatusNotFound, "symbol_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "quote_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
