package turn

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks a turn through the pipeline. Transitions are monotonic along
// queued → transcribing → generating → synthesizing → done; error is reachable
// from any non-terminal state and, like done, is final.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTranscribing Status = "transcribing"
	StatusGenerating   Status = "generating"
	StatusSynthesizing Status = "synthesizing"
	StatusDone         Status = "done"
	StatusError        Status = "error"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ToolCall records a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult pairs a tool call with its structured outcome.
type ToolResult struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

// Turn is the unit of work: one audio-in → audio-out exchange.
type Turn struct {
	ID        string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`

	AudioInPath  string `json:"audio_in_path,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	AssistantMsg string `json:"assistant_text,omitempty"`
	AudioOutPath string `json:"audio_out_path,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time          `json:"created_at"`
	Timings   map[string]float64 `json:"timings"`
}

// New creates a queued turn, generating the session id when absent.
func New(sessionID string) *Turn {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		Timings:   make(map[string]float64),
	}
}

// Clone returns a deep copy so store readers never alias pipeline-owned state.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Timings != nil {
		cp.Timings = make(map[string]float64, len(t.Timings))
		for k, v := range t.Timings {
			cp.Timings[k] = v
		}
	}
	if t.ToolCalls != nil {
		cp.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
	}
	if t.ToolResults != nil {
		cp.ToolResults = make([]ToolResult, len(t.ToolResults))
		for i, tr := range t.ToolResults {
			cp.ToolResults[i] = tr
			if tr.Result != nil {
				m := make(map[string]any, len(tr.Result))
				for k, v := range tr.Result {
					m[k] = v
				}
				cp.ToolResults[i].Result = m
			}
		}
	}
	return &cp
}

// Fail marks the turn terminally failed with a human-readable message.
func (t *Turn) Fail(msg string) {
	t.Status = StatusError
	t.Error = msg
}

// ObserveStage accumulates the elapsed time for a pipeline stage in seconds.
func (t *Turn) ObserveStage(stage string, elapsed time.Duration) {
	if t.Timings == nil {
		t.Timings = make(map[string]float64)
	}
	t.Timings[stage] = elapsed.Seconds()
}
