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
	"time"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/config"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/gateway"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/history"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	registry := provider.NewRegistry()

	mock := provider.NewMockProvider()
	mustRegister(registry.RegisterSTT(mock))
	mustRegister(registry.RegisterLLM(mock))
	mustRegister(registry.RegisterTTS(mock))

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		mustRegister(registry.RegisterLLM(provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})))
		log.Printf("llm provider: openai")
	}

	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		eleven := provider.NewElevenLabsProvider(provider.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			TTSVoiceID:   cfg.ElevenLabsTTSVoice,
			TTSModelID:   cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
			SampleRate:   cfg.ElevenLabsSampleRate,
		})
		mustRegister(registry.RegisterSTT(eleven))
		mustRegister(registry.RegisterTTS(eleven))
		log.Printf("voice provider: elevenlabs realtime")
	}

	if cfg.SessionSecret == "" {
		log.Printf("warning: APP_SESSION_SECRET is empty, session.start auth disabled")
	}

	sessions := session.NewManager(cfg.SessionIdleTimeout, metrics)

	srv := gateway.New(cfg, registry, sessions, store, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

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

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func mustRegister(err error) {
	if err != nil {
		log.Fatalf("provider registration failed: %v", err)
	}
}
