// Package pipeline drives a queued turn through transcription, response
// generation with optional tool calls, and speech synthesis. The pipeline
// owns all status transitions; the store only ever sees snapshots.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/margaux/internal/brain"
	"github.com/antoniostano/margaux/internal/memory"
	"github.com/antoniostano/margaux/internal/observability"
	"github.com/antoniostano/margaux/internal/reliability"
	"github.com/antoniostano/margaux/internal/speech"
	"github.com/antoniostano/margaux/internal/tools"
	"github.com/antoniostano/margaux/internal/turn"
)

// Options bundles the pipeline collaborators and tuning knobs.
type Options struct {
	Speech  speech.Provider
	Brain   brain.Client
	Memory  memory.Store
	Tools   *tools.Registry
	Store   *turn.Store
	Metrics *observability.Metrics

	SystemPrompt         string
	MaxHistoryTurns      int
	RecallTopK           int
	RecallCandidateLimit int
	DataDir              string
	ASRTimeout           time.Duration
	TTSTimeout           time.Duration
}

type Pipeline struct {
	speech  speech.Provider
	brain   brain.Client
	memory  memory.Store
	tools   *tools.Registry
	store   *turn.Store
	metrics *observability.Metrics

	systemPrompt         string
	maxHistoryTurns      int
	recallTopK           int
	recallCandidateLimit int
	dataDir              string
	asrTimeout           time.Duration
	ttsTimeout           time.Duration

	// Short-term history lives in process, keyed by session. Long-term
	// context comes back through the memory store.
	mu      sync.Mutex
	history map[string][]brain.Message
}

func New(opts Options) *Pipeline {
	maxHistory := opts.MaxHistoryTurns
	if maxHistory <= 0 {
		maxHistory = 8
	}
	topK := opts.RecallTopK
	if topK <= 0 {
		topK = 6
	}
	candidates := opts.RecallCandidateLimit
	if candidates < topK {
		candidates = 200
	}
	return &Pipeline{
		speech:               opts.Speech,
		brain:                opts.Brain,
		memory:               opts.Memory,
		tools:                opts.Tools,
		store:                opts.Store,
		metrics:              opts.Metrics,
		systemPrompt:         opts.SystemPrompt,
		maxHistoryTurns:      maxHistory,
		recallTopK:           topK,
		recallCandidateLimit: candidates,
		dataDir:              opts.DataDir,
		asrTimeout:           opts.ASRTimeout,
		ttsTimeout:           opts.TTSTimeout,
		history:              make(map[string][]brain.Message),
	}
}

// Process drives one turn to a terminal state. The returned error is the
// classified stage failure, already reflected on the stored turn.
func (p *Pipeline) Process(ctx context.Context, t *turn.Turn) error {
	turnStart := time.Now()

	if err := p.transcribe(ctx, t); err != nil {
		return p.fail(t, err)
	}
	if err := p.generate(ctx, t); err != nil {
		return p.fail(t, err)
	}
	if err := p.synthesize(ctx, t); err != nil {
		return p.fail(t, err)
	}

	t.Status = turn.StatusDone
	total := time.Since(turnStart)
	t.ObserveStage("turn_total", total)
	if p.metrics != nil {
		p.metrics.ObserveStage("turn_total", total)
	}
	p.store.Put(t)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, t *turn.Turn) error {
	t.Status = turn.StatusTranscribing
	p.store.Put(t)

	// Input validation happens before any engine is touched.
	if strings.TrimSpace(t.AudioInPath) == "" {
		return reliability.InputError("asr", fmt.Errorf("turn has no input audio"))
	}
	if _, err := os.Stat(t.AudioInPath); err != nil {
		return reliability.InputError("asr", fmt.Errorf("input audio unreadable: %w", err))
	}

	asrCtx := ctx
	if p.asrTimeout > 0 {
		var cancel context.CancelFunc
		asrCtx, cancel = context.WithTimeout(ctx, p.asrTimeout)
		defer cancel()
	}
	text, elapsed, err := p.speech.Transcribe(asrCtx, t.AudioInPath)
	if err != nil {
		return reliability.CollaboratorError("asr", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return reliability.InputError("asr", fmt.Errorf("audio produced an empty transcript"))
	}

	t.Transcript = text
	t.ObserveStage("asr", elapsed)
	if p.metrics != nil {
		p.metrics.ObserveStage("asr", elapsed)
	}
	p.store.Put(t)
	return nil
}

func (p *Pipeline) generate(ctx context.Context, t *turn.Turn) error {
	t.Status = turn.StatusGenerating
	p.store.Put(t)

	messages := p.buildPrompt(ctx, t)

	var specs []brain.ToolSpec
	if p.tools != nil {
		specs = p.tools.Specs()
	}

	var (
		text    string
		calls   []brain.ToolCall
		elapsed time.Duration
		err     error
	)
	if len(specs) > 0 {
		text, calls, elapsed, err = p.brain.ChatWithTools(ctx, messages, specs)
	} else {
		text, elapsed, err = p.brain.Chat(ctx, messages)
	}
	if err != nil {
		return reliability.CollaboratorError("llm", err)
	}
	t.ObserveStage("llm", elapsed)
	if p.metrics != nil {
		p.metrics.ObserveStage("llm", elapsed)
	}

	if len(calls) > 0 {
		text, err = p.runToolRound(ctx, t, messages, calls)
		if err != nil {
			return err
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return reliability.CollaboratorError("llm", fmt.Errorf("model returned an empty response"))
	}

	t.AssistantMsg = text
	// Short-term history and the durable log record the exchange together,
	// so recall never diverges from what the model was shown.
	p.pushHistory(t.SessionID, t.Transcript, text)
	p.remember(ctx, t)
	p.store.Put(t)
	return nil
}

// runToolRound executes the model's tool requests and asks for the final
// answer in a second call. Tool failures never abort the turn; the model sees
// the ok=false payload and answers around it.
func (p *Pipeline) runToolRound(ctx context.Context, t *turn.Turn, messages []brain.Message, calls []brain.ToolCall) (string, error) {
	assistant := brain.Message{Role: "assistant"}
	followUp := make([]brain.Message, 0, len(calls))

	for _, call := range calls {
		t.ToolCalls = append(t.ToolCalls, turn.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		assistant.ToolCalls = append(assistant.ToolCalls, call)

		result := p.tools.Execute(ctx, call.Name, call.Arguments)
		t.ToolResults = append(t.ToolResults, turn.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Result: result,
		})
		if p.metrics != nil {
			outcome := "ok"
			if ok, _ := result["ok"].(bool); !ok {
				outcome = "error"
			}
			p.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
		}
		followUp = append(followUp, brain.ToolResultMessage(call.ID, encodeResult(result)))
	}
	p.store.Put(t)

	messages = append(messages, assistant)
	messages = append(messages, followUp...)

	text, elapsed, err := p.brain.Chat(ctx, messages)
	if err != nil {
		return "", reliability.CollaboratorError("llm", err)
	}
	t.ObserveStage("llm_tools", elapsed)
	if p.metrics != nil {
		p.metrics.ObserveStage("llm_tools", elapsed)
	}
	return text, nil
}

// encodeResult renders a tool outcome for the role=tool message.
func encodeResult(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return `{"ok":false,"error":"tool result not encodable"}`
	}
	return string(data)
}

func (p *Pipeline) synthesize(ctx context.Context, t *turn.Turn) error {
	t.Status = turn.StatusSynthesizing
	p.store.Put(t)

	ttsCtx := ctx
	if p.ttsTimeout > 0 {
		var cancel context.CancelFunc
		ttsCtx, cancel = context.WithTimeout(ctx, p.ttsTimeout)
		defer cancel()
	}
	outPath := filepath.Join(p.dataDir, "turns", t.ID+".wav")
	path, elapsed, err := p.speech.Synthesize(ttsCtx, t.AssistantMsg, outPath)
	if err != nil {
		return reliability.CollaboratorError("tts", err)
	}

	t.AudioOutPath = path
	t.ObserveStage("tts", elapsed)
	if p.metrics != nil {
		p.metrics.ObserveStage("tts", elapsed)
	}
	p.store.Put(t)
	return nil
}

// buildPrompt assembles system prompt, recalled memory, in-process history
// and the fresh transcript. Recall is best effort; on store failure the turn
// proceeds without long-term context.
func (p *Pipeline) buildPrompt(ctx context.Context, t *turn.Turn) []brain.Message {
	messages := make([]brain.Message, 0, 2*p.maxHistoryTurns+3)
	if p.systemPrompt != "" {
		messages = append(messages, brain.SystemMessage(p.systemPrompt))
	}

	if recall := p.recall(ctx, t.SessionID, t.Transcript); recall != "" {
		messages = append(messages, brain.SystemMessage(recall))
	}

	p.mu.Lock()
	messages = append(messages, p.history[t.SessionID]...)
	p.mu.Unlock()

	return append(messages, brain.UserMessage(t.Transcript))
}

func (p *Pipeline) recall(ctx context.Context, sessionID, query string) string {
	if p.memory == nil {
		return ""
	}
	start := time.Now()

	recent, err := p.memory.FetchRecent(ctx, sessionID, p.maxHistoryTurns)
	if err != nil {
		p.recallSoftFail(sessionID, err)
		return ""
	}
	relevant, err := p.memory.Search(ctx, sessionID, query, p.recallTopK, p.recallCandidateLimit)
	if err != nil {
		p.recallSoftFail(sessionID, err)
		relevant = nil
	}
	if p.metrics != nil {
		p.metrics.ObserveStage("recall", time.Since(start))
	}

	if len(recent) == 0 && len(relevant) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Conversation memory for this session.")
	if len(recent) > 0 {
		b.WriteString("\nRecent exchanges:")
		for _, e := range recent {
			b.WriteString("\n- ")
			b.WriteString(e.Role)
			b.WriteString(": ")
			b.WriteString(e.Content)
		}
	}
	if len(relevant) > 0 {
		b.WriteString("\nPossibly relevant past context:")
		for _, c := range relevant {
			b.WriteString("\n- ")
			b.WriteString(c)
		}
	}
	return b.String()
}

func (p *Pipeline) recallSoftFail(sessionID string, err error) {
	log.Printf("pipeline: memory recall degraded for session %s: %v", sessionID, err)
	if p.metrics != nil {
		p.metrics.RecallSoftFail.Inc()
		p.metrics.ObserveIndicator("memory_recall_softfail")
	}
}

// remember appends the exchange to long-term memory. Append failures are
// logged and swallowed; the generation already succeeded.
func (p *Pipeline) remember(ctx context.Context, t *turn.Turn) {
	if p.memory == nil {
		return
	}
	if err := p.memory.Append(ctx, t.SessionID, "user", t.Transcript); err != nil {
		log.Printf("pipeline: memory append (user) failed for session %s: %v", t.SessionID, err)
	}
	if err := p.memory.Append(ctx, t.SessionID, "assistant", t.AssistantMsg); err != nil {
		log.Printf("pipeline: memory append (assistant) failed for session %s: %v", t.SessionID, err)
	}
}

func (p *Pipeline) pushHistory(sessionID, userText, assistantText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[sessionID],
		brain.UserMessage(userText),
		brain.AssistantMessage(assistantText))
	// Each turn contributes a user and an assistant message.
	if max := 2 * p.maxHistoryTurns; len(h) > max {
		h = append([]brain.Message(nil), h[len(h)-max:]...)
	}
	p.history[sessionID] = h
}

// fail finalizes the turn, dropping partial outputs so readers never see a
// half-built answer next to an error.
func (p *Pipeline) fail(t *turn.Turn, err error) error {
	t.AssistantMsg = ""
	t.AudioOutPath = ""
	t.Fail(err.Error())
	p.store.Put(t)
	return err
}
