package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antoniostano/margaux/internal/audio"
)

// MockProvider is a local fallback used when no speech engines are installed.
// It returns a fixed transcript and writes a short silent WAV so the full
// turn lifecycle, audio download included, works end to end.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Transcribe(_ context.Context, audioPath string) (string, time.Duration, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", 0, fmt.Errorf("audio payload missing: %w", err)
	}
	return "simulated voice input", 5 * time.Millisecond, nil
}

func (p *MockProvider) Synthesize(_ context.Context, text, outPath string) (string, time.Duration, error) {
	if text == "" {
		return "", 0, fmt.Errorf("text is empty")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	// 100ms of silence at 16kHz.
	pcm := make([]byte, 3200)
	if err := audio.WriteWAVPCM16LEFile(outPath, pcm, 16000); err != nil {
		return "", 0, err
	}
	return outPath, 5 * time.Millisecond, nil
}
