package speech

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// WhisperTranscriber shells out to the whisper.cpp CLI for batch
// transcription of WAV payloads.
type WhisperTranscriber struct {
	cli       string
	modelPath string
	language  string
	threads   int
	beamSize  int
}

type WhisperConfig struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
}

func NewWhisperTranscriber(cfg WhisperConfig) (*WhisperTranscriber, error) {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
		if threads > 8 {
			threads = 8
		}
		if threads < 2 {
			threads = 2
		}
	}

	beamSize := cfg.BeamSize
	if beamSize <= 0 {
		beamSize = 1
	}

	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}

	return &WhisperTranscriber{
		cli:       cli,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		beamSize:  beamSize,
	}, nil
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (string, time.Duration, error) {
	if strings.TrimSpace(audioPath) == "" {
		return "", 0, fmt.Errorf("audio path is empty")
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, w.cli,
		"-m", w.modelPath,
		"-l", w.language,
		"-t", strconv.Itoa(w.threads),
		"-bs", strconv.Itoa(w.beamSize),
		"--no-timestamps",
		"--no-prints",
		"-f", audioPath,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return "", time.Since(start), fmt.Errorf("whisper-cli failed: %v: %s", err, detail)
	}

	parts := make([]string, 0, 8)
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " "), time.Since(start), nil
}
