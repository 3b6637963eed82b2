package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/margaux/internal/audio"
	"github.com/antoniostano/margaux/internal/brain"
	"github.com/antoniostano/margaux/internal/memory"
	"github.com/antoniostano/margaux/internal/tools"
	"github.com/antoniostano/margaux/internal/turn"
)

type fakeSpeech struct {
	transcript    string
	transcribeErr error
	synthesizeErr error
	transcribes   int
	synthesizes   int
}

func (f *fakeSpeech) Transcribe(_ context.Context, _ string) (string, time.Duration, error) {
	f.transcribes++
	if f.transcribeErr != nil {
		return "", time.Millisecond, f.transcribeErr
	}
	return f.transcript, time.Millisecond, nil
}

func (f *fakeSpeech) Synthesize(_ context.Context, text, outPath string) (string, time.Duration, error) {
	f.synthesizes++
	if f.synthesizeErr != nil {
		return "", time.Millisecond, f.synthesizeErr
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, err
	}
	if err := audio.WriteWAVPCM16LEFile(outPath, make([]byte, 320), 16000); err != nil {
		return "", 0, err
	}
	_ = text
	return outPath, time.Millisecond, nil
}

type scriptedReply struct {
	text  string
	calls []brain.ToolCall
	err   error
}

type scriptedBrain struct {
	replies  []scriptedReply
	requests [][]brain.Message
}

func (b *scriptedBrain) next() scriptedReply {
	if len(b.replies) == 0 {
		return scriptedReply{text: "ok"}
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r
}

func (b *scriptedBrain) Chat(_ context.Context, messages []brain.Message) (string, time.Duration, error) {
	b.requests = append(b.requests, messages)
	r := b.next()
	return r.text, time.Millisecond, r.err
}

func (b *scriptedBrain) ChatWithTools(_ context.Context, messages []brain.Message, _ []brain.ToolSpec) (string, []brain.ToolCall, time.Duration, error) {
	b.requests = append(b.requests, messages)
	r := b.next()
	return r.text, r.calls, time.Millisecond, r.err
}

type failingStore struct{}

func (failingStore) Append(context.Context, string, string, string) error { return nil }

func (failingStore) FetchRecent(context.Context, string, int) ([]memory.Entry, error) {
	return nil, fmt.Errorf("backend down")
}

func (failingStore) Search(context.Context, string, string, int, int) ([]string, error) {
	return nil, fmt.Errorf("backend down")
}

func (failingStore) Close() error { return nil }

func newTestPipeline(t *testing.T, sp *fakeSpeech, br brain.Client, mem memory.Store, reg *tools.Registry) (*Pipeline, *turn.Store) {
	t.Helper()
	store := turn.NewStore()
	p := New(Options{
		Speech:          sp,
		Brain:           br,
		Memory:          mem,
		Tools:           reg,
		Store:           store,
		Metrics:         nil,
		SystemPrompt:    "You are a test assistant.",
		MaxHistoryTurns: 2,
		RecallTopK:      3,
		DataDir:         t.TempDir(),
	})
	return p, store
}

func newInputTurn(t *testing.T) *turn.Turn {
	t.Helper()
	in := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAVPCM16LEFile(in, make([]byte, 320), 16000); err != nil {
		t.Fatalf("write input wav: %v", err)
	}
	tn := turn.New("session-1")
	tn.AudioInPath = in
	return tn
}

func TestProcessHappyPath(t *testing.T) {
	sp := &fakeSpeech{transcript: "quelle heure est-il"}
	br := &scriptedBrain{replies: []scriptedReply{{text: "Il est midi."}}}
	mem := memory.NewInMemoryStore(memory.NewHashEmbedder(0))
	p, store := newTestPipeline(t, sp, br, mem, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := store.Get(tn.ID)
	if got.Status != turn.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.Transcript != "quelle heure est-il" || got.AssistantMsg != "Il est midi." {
		t.Fatalf("turn = %+v", got)
	}
	if got.AudioOutPath == "" {
		t.Fatalf("missing output audio path")
	}
	for _, stage := range []string{"asr", "llm", "tts", "turn_total"} {
		if got.Timings[stage] <= 0 {
			t.Fatalf("timing %q = %v, want > 0", stage, got.Timings[stage])
		}
	}

	// Both sides of the exchange reach long-term memory.
	entries, err := mem.FetchRecent(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Role != "user" || entries[1].Role != "assistant" {
		t.Fatalf("memory entries = %+v", entries)
	}
}

func TestProcessMissingAudioFailsBeforeCollaborators(t *testing.T) {
	sp := &fakeSpeech{transcript: "unused"}
	br := &scriptedBrain{}
	p, store := newTestPipeline(t, sp, br, nil, nil)

	tn := turn.New("")
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err == nil {
		t.Fatalf("expected error for missing input audio")
	}

	got := store.Get(tn.ID)
	if got.Status != turn.StatusError || got.Error == "" {
		t.Fatalf("turn = %+v", got)
	}
	if sp.transcribes != 0 || len(br.requests) != 0 || sp.synthesizes != 0 {
		t.Fatalf("collaborators were called on invalid input")
	}
}

func TestProcessASRFailure(t *testing.T) {
	sp := &fakeSpeech{transcribeErr: fmt.Errorf("whisper crashed")}
	p, store := newTestPipeline(t, sp, &scriptedBrain{}, nil, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	err := p.Process(context.Background(), tn)
	if err == nil || !strings.Contains(err.Error(), "whisper crashed") {
		t.Fatalf("err = %v", err)
	}

	got := store.Get(tn.ID)
	if got.Status != turn.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.AssistantMsg != "" || got.AudioOutPath != "" {
		t.Fatalf("failed turn carries partial outputs: %+v", got)
	}
}

func TestProcessTTSFailureDropsPartialOutputs(t *testing.T) {
	sp := &fakeSpeech{transcript: "bonjour", synthesizeErr: fmt.Errorf("piper missing")}
	br := &scriptedBrain{replies: []scriptedReply{{text: "Salut."}}}
	p, store := newTestPipeline(t, sp, br, nil, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err == nil {
		t.Fatalf("expected tts failure")
	}

	got := store.Get(tn.ID)
	if got.Status != turn.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.AssistantMsg != "" || got.AudioOutPath != "" {
		t.Fatalf("failed turn carries partial outputs: %+v", got)
	}
	// The transcript is an input artifact and survives for debugging.
	if got.Transcript != "bonjour" {
		t.Fatalf("transcript = %q", got.Transcript)
	}
}

func TestTTSFailureStillRecordsExchangeInMemory(t *testing.T) {
	sp := &fakeSpeech{transcript: "remember this", synthesizeErr: fmt.Errorf("piper missing")}
	br := &scriptedBrain{replies: []scriptedReply{{text: "Noted."}, {text: "Noted again."}}}
	mem := memory.NewInMemoryStore(memory.NewHashEmbedder(0))
	p, store := newTestPipeline(t, sp, br, mem, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err == nil {
		t.Fatalf("expected tts failure")
	}

	// Generation succeeded, so both the in-process history and the durable
	// log hold the exchange; they must not diverge.
	entries, err := mem.FetchRecent(context.Background(), tn.SessionID, 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Content != "remember this" || entries[1].Content != "Noted." {
		t.Fatalf("durable log missed the exchange: %+v", entries)
	}

	next := newInputTurn(t)
	next.SessionID = tn.SessionID
	store.Put(next)
	if err := p.Process(context.Background(), next); err == nil {
		t.Fatalf("expected tts failure")
	}
	if entries, _ = mem.FetchRecent(context.Background(), tn.SessionID, 10); len(entries) != 4 {
		t.Fatalf("durable log entries = %d, want 4", len(entries))
	}
}

func TestProcessToolRound(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(tools.Endpoint{
		Name: "clock",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"now": "12:00"}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sp := &fakeSpeech{transcript: "what time is it"}
	br := &scriptedBrain{replies: []scriptedReply{
		{calls: []brain.ToolCall{{ID: "call_1", Name: "clock", Arguments: "{}"}}},
		{text: "It is noon."},
	}}
	p, store := newTestPipeline(t, sp, br, nil, reg)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := store.Get(tn.ID)
	if got.AssistantMsg != "It is noon." {
		t.Fatalf("assistant = %q", got.AssistantMsg)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "clock" {
		t.Fatalf("tool calls = %+v", got.ToolCalls)
	}
	if len(got.ToolResults) != 1 || got.ToolResults[0].CallID != "call_1" {
		t.Fatalf("tool results = %+v", got.ToolResults)
	}
	if got.ToolResults[0].Result["now"] != "12:00" {
		t.Fatalf("tool result = %v", got.ToolResults[0].Result)
	}
	if got.Timings["llm_tools"] <= 0 {
		t.Fatalf("missing llm_tools timing")
	}

	// The follow-up request replays the assistant tool request and carries
	// the result keyed by call id.
	if len(br.requests) != 2 {
		t.Fatalf("brain calls = %d, want 2", len(br.requests))
	}
	second := br.requests[1]
	var sawAssistant, sawResult bool
	for _, m := range second {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "call_1" {
			sawAssistant = true
		}
		if m.Role == "tool" && m.ToolCallID == "call_1" && strings.Contains(m.Content, "12:00") {
			sawResult = true
		}
	}
	if !sawAssistant || !sawResult {
		t.Fatalf("follow-up messages incomplete: %+v", second)
	}
}

func TestProcessUnknownToolStillAnswers(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Endpoint{
		Name:    "known",
		Handler: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
	})

	sp := &fakeSpeech{transcript: "do something"}
	br := &scriptedBrain{replies: []scriptedReply{
		{calls: []brain.ToolCall{{ID: "call_9", Name: "ghost", Arguments: "{}"}}},
		{text: "I could not use that tool."},
	}}
	p, store := newTestPipeline(t, sp, br, nil, reg)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := store.Get(tn.ID)
	if got.Status != turn.StatusDone {
		t.Fatalf("status = %s, want done despite unknown tool", got.Status)
	}
	res := got.ToolResults[0].Result
	if res["ok"] != false {
		t.Fatalf("ok = %v, want false", res["ok"])
	}
	if msg, _ := res["error"].(string); !strings.Contains(msg, "tool_not_found: ghost") {
		t.Fatalf("error = %q", msg)
	}
}

func TestProcessRecallSoftFailure(t *testing.T) {
	sp := &fakeSpeech{transcript: "hello"}
	br := &scriptedBrain{replies: []scriptedReply{{text: "Hi."}}}
	p, store := newTestPipeline(t, sp, br, failingStore{}, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err != nil {
		t.Fatalf("Process() error = %v, recall must not abort the turn", err)
	}
	if store.Get(tn.ID).Status != turn.StatusDone {
		t.Fatalf("turn did not complete")
	}

	// No memory context block reached the model.
	for _, m := range br.requests[0] {
		if m.Role == "system" && strings.Contains(m.Content, "Conversation memory") {
			t.Fatalf("degraded recall still injected context")
		}
	}
}

func TestProcessRecallContextInjected(t *testing.T) {
	mem := memory.NewInMemoryStore(memory.NewHashEmbedder(0))
	ctx := context.Background()
	mem.Append(ctx, "session-1", "user", "my cat is named Hector")

	sp := &fakeSpeech{transcript: "my cat is named Hector, right?"}
	br := &scriptedBrain{replies: []scriptedReply{{text: "Yes, Hector."}}}
	p, store := newTestPipeline(t, sp, br, mem, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(ctx, tn); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	var found bool
	for _, m := range br.requests[0] {
		if m.Role == "system" && strings.Contains(m.Content, "Hector") {
			found = true
		}
	}
	if !found {
		t.Fatalf("recalled memory never reached the prompt")
	}
}

func TestProcessHistoryBounded(t *testing.T) {
	sp := &fakeSpeech{transcript: "again"}
	replies := make([]scriptedReply, 0, 10)
	for i := 0; i < 10; i++ {
		replies = append(replies, scriptedReply{text: fmt.Sprintf("reply %d", i)})
	}
	br := &scriptedBrain{replies: replies}
	p, store := newTestPipeline(t, sp, br, nil, nil)

	for i := 0; i < 10; i++ {
		tn := newInputTurn(t)
		tn.SessionID = "session-1"
		store.Put(tn)
		if err := p.Process(context.Background(), tn); err != nil {
			t.Fatalf("Process() #%d error = %v", i, err)
		}
	}

	// MaxHistoryTurns is 2, so at most 4 history messages precede the user
	// message: system prompt + history + fresh transcript.
	last := br.requests[len(br.requests)-1]
	if len(last) > 1+4+1 {
		t.Fatalf("prompt grew unbounded: %d messages", len(last))
	}
	// The most recent exchange is retained.
	var sawRecent bool
	for _, m := range last {
		if m.Role == "assistant" && m.Content == "reply 8" {
			sawRecent = true
		}
	}
	if !sawRecent {
		t.Fatalf("recent history missing from prompt")
	}
}

func TestProcessEmptyModelResponseFails(t *testing.T) {
	sp := &fakeSpeech{transcript: "hello"}
	br := &scriptedBrain{replies: []scriptedReply{{text: "   "}}}
	p, store := newTestPipeline(t, sp, br, nil, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err == nil {
		t.Fatalf("expected error for empty completion")
	}
	if store.Get(tn.ID).Status != turn.StatusError {
		t.Fatalf("turn not marked failed")
	}
}

func TestProcessEmptyTranscriptFails(t *testing.T) {
	sp := &fakeSpeech{transcript: "  "}
	br := &scriptedBrain{}
	p, store := newTestPipeline(t, sp, br, nil, nil)

	tn := newInputTurn(t)
	store.Put(tn)
	if err := p.Process(context.Background(), tn); err == nil {
		t.Fatalf("expected error for empty transcript")
	}
	if len(br.requests) != 0 {
		t.Fatalf("model called despite empty transcript")
	}
}
