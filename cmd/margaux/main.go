package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/margaux/internal/brain"
	"github.com/antoniostano/margaux/internal/config"
	"github.com/antoniostano/margaux/internal/httpapi"
	"github.com/antoniostano/margaux/internal/memory"
	"github.com/antoniostano/margaux/internal/observability"
	"github.com/antoniostano/margaux/internal/pipeline"
	"github.com/antoniostano/margaux/internal/speech"
	"github.com/antoniostano/margaux/internal/tools"
	"github.com/antoniostano/margaux/internal/turn"
	"github.com/antoniostano/margaux/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("data dir init failed: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	embedder := buildEmbedder(cfg)
	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.ChromemPath, embedder)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer memoryStore.Close()

	speechProvider := buildSpeechProvider(cfg)

	brainClient := brain.NewChatClient(brain.ChatConfig{
		BaseURL:   cfg.BrainBaseURL,
		Model:     cfg.BrainModel,
		APIKey:    cfg.BrainAPIKey,
		Timeout:   cfg.BrainTimeout,
		MaxTokens: cfg.BrainMaxTokens,
	})

	trains := tools.NewTrainClient(cfg.SNCFAPIKey)
	finance := tools.NewFinanceClient()
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltin(registry, trains, finance); err != nil {
		log.Fatalf("tool registry init failed: %v", err)
	}
	log.Printf("tools registered: %s", strings.Join(registry.Names(), ", "))

	turnStore := turn.NewStore()
	pipe := pipeline.New(pipeline.Options{
		Speech:               speechProvider,
		Brain:                brainClient,
		Memory:               memoryStore,
		Tools:                registry,
		Store:                turnStore,
		Metrics:              metrics,
		SystemPrompt:         cfg.SystemPrompt,
		MaxHistoryTurns:      cfg.MaxHistoryTurns,
		RecallTopK:           cfg.RecallTopK,
		RecallCandidateLimit: cfg.RecallCandidateLimit,
		DataDir:              cfg.DataDir,
		ASRTimeout:           cfg.ASRTimeout,
		TTSTimeout:           cfg.TTSTimeout,
	})

	pool := worker.NewPool(pipe, turnStore, metrics, cfg.WorkerConcurrency, cfg.QueueCapacity)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	pool.Start(runCtx)

	api := httpapi.New(cfg, turnStore, pool, metrics, trains, finance)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Let in-flight turns finish before tearing down the memory store.
	runCancel()
	pool.Stop()

	log.Printf("shutdown complete")
}

func buildEmbedder(cfg config.Config) memory.Embedder {
	mode := strings.ToLower(strings.TrimSpace(cfg.EmbeddingsProvider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.EmbeddingsBaseURL) == "" {
			log.Fatalf("EMBEDDINGS_PROVIDER=http but EMBEDDINGS_BASE_URL is not set")
		}
		log.Printf("embeddings provider: http (%s)", cfg.EmbeddingsBaseURL)
		return memory.NewHTTPEmbedder(cfg.EmbeddingsBaseURL, cfg.EmbeddingsModel, cfg.EmbeddingsAPIKey, cfg.EmbeddingsTimeout)
	case "mock":
		log.Printf("embeddings provider: mock")
		return memory.NewHashEmbedder(0)
	case "off":
		log.Printf("embeddings provider: off (similarity recall disabled)")
		return nil
	case "auto":
		if strings.TrimSpace(cfg.EmbeddingsBaseURL) != "" {
			log.Printf("embeddings provider: http (%s)", cfg.EmbeddingsBaseURL)
			return memory.NewHTTPEmbedder(cfg.EmbeddingsBaseURL, cfg.EmbeddingsModel, cfg.EmbeddingsAPIKey, cfg.EmbeddingsTimeout)
		}
		log.Printf("embeddings provider: mock (no EMBEDDINGS_BASE_URL)")
		return memory.NewHashEmbedder(0)
	default:
		log.Fatalf("invalid EMBEDDINGS_PROVIDER: %q (expected auto|http|mock|off)", cfg.EmbeddingsProvider)
		return nil
	}
}

func buildSpeechProvider(cfg config.Config) speech.Provider {
	mode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if mode == "" {
		mode = "auto"
	}

	tryLocal := func(fatal bool) speech.Provider {
		transcriber, err := speech.NewWhisperTranscriber(speech.WhisperConfig{
			CLI:       cfg.WhisperCLI,
			ModelPath: cfg.WhisperModelPath,
			Language:  cfg.WhisperLanguage,
			Threads:   cfg.WhisperThreads,
			BeamSize:  cfg.WhisperBeamSize,
		})
		if err != nil {
			if fatal {
				log.Fatalf("whisper init failed: %v", err)
			}
			log.Printf("local asr unavailable: %v", err)
			return nil
		}
		synthesizer, err := speech.NewPiperSynthesizer(speech.PiperConfig{
			Bin:       cfg.PiperBin,
			ModelPath: cfg.PiperModelPath,
			Speaker:   cfg.PiperSpeaker,
		})
		if err != nil {
			if fatal {
				log.Fatalf("piper init failed: %v", err)
			}
			log.Printf("local tts unavailable: %v", err)
			return nil
		}
		log.Printf("speech provider: local (whisper.cpp + piper)")
		return speech.Combine(transcriber, synthesizer)
	}

	switch mode {
	case "local":
		return tryLocal(true)
	case "mock":
		log.Printf("speech provider: mock")
		return speech.NewMockProvider()
	case "auto":
		if p := tryLocal(false); p != nil {
			return p
		}
		log.Printf("speech provider: mock (local engines unavailable)")
		return speech.NewMockProvider()
	default:
		log.Fatalf("invalid SPEECH_PROVIDER: %q (expected auto|local|mock)", cfg.SpeechProvider)
		return nil
	}
}
