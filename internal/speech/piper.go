package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PiperSynthesizer shells out to the Piper CLI, which reads text on stdin and
// writes a WAV file.
type PiperSynthesizer struct {
	bin       string
	modelPath string
	speaker   int
}

type PiperConfig struct {
	Bin       string
	ModelPath string
	// Speaker selects a voice in multi-speaker models; negative means unset.
	Speaker int
}

func NewPiperSynthesizer(cfg PiperConfig) (*PiperSynthesizer, error) {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("LOCAL_PIPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("piper model not found: %s", modelPath)
	}

	bin := strings.TrimSpace(cfg.Bin)
	if bin == "" {
		bin = "piper"
	}

	return &PiperSynthesizer{
		bin:       bin,
		modelPath: modelPath,
		speaker:   cfg.Speaker,
	}, nil
}

func (p *PiperSynthesizer) Synthesize(ctx context.Context, text, outPath string) (string, time.Duration, error) {
	if strings.TrimSpace(text) == "" {
		return "", 0, fmt.Errorf("text is empty")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	start := time.Now()

	args := []string{"--model", p.modelPath, "--output_file", outPath}
	if p.speaker >= 0 {
		args = append(args, "--speaker", strconv.Itoa(p.speaker))
	}

	cmd := exec.CommandContext(ctx, p.bin, args...)
	cmd.Stdin = strings.NewReader(text)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return "", time.Since(start), fmt.Errorf("piper failed: %v: %s", err, detail)
	}
	return outPath, time.Since(start), nil
}
