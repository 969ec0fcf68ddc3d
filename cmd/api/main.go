package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/solace/backend/internal/auth"
	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/handler"
	"github.com/zhouzirui/solace/backend/internal/handler/realtime"
	"github.com/zhouzirui/solace/backend/internal/service/ai"
	"github.com/zhouzirui/solace/backend/internal/service/dialogue"
	"github.com/zhouzirui/solace/backend/internal/service/notification"
	"github.com/zhouzirui/solace/backend/internal/service/progress"
	"github.com/zhouzirui/solace/backend/internal/service/session"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
	"github.com/zhouzirui/solace/backend/internal/store"
)

// drainer stops connections that http.Server.Shutdown cannot reach.
type drainer interface {
	Shutdown(ctx context.Context) error
}

// backend is what both store implementations provide.
type backend interface {
	store.Repository
	store.CredentialStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, continuing with system environment variables only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Server.LogLevel)

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	repo, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer repo.Close()

	var registry auth.Registry
	switch cfg.Auth.Registry {
	case config.RegistryMemory:
		memRegistry := auth.NewMemoryRegistry(cfg.Auth.SweepInterval)
		defer memRegistry.Close()
		registry = memRegistry
	default:
		storeRegistry := auth.NewStoreRegistry(repo)
		go storeRegistry.Run(ctx, cfg.Auth.SweepInterval)
		registry = storeRegistry
	}
	validator := auth.NewValidator(cfg.Auth.Secret, cfg.Auth.TokenTTL, registry)

	// nil keeps the engine answering with generation errors
	var generator dialogue.Generator
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			slog.Warn("failed to initialize AI service, continuing without text generation", "error", err)
		} else {
			generator = aiService
			slog.Info("AI service initialized", "model", cfg.AI.Model)
		}
	} else {
		slog.Info("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	engine := dialogue.NewEngine(repo, generator, dialogue.Options{
		Instruction:        cfg.Prompts.Conversation,
		OneShotInstruction: cfg.Prompts.OneShot,
		HistoryTurns:       cfg.Dialogue.HistoryTurns,
		HistoryChars:       cfg.Dialogue.HistoryChars,
		Timeout:            cfg.Dialogue.GenerationTimeout,
	})

	var recommender notification.Recommender
	if generator != nil {
		recommender = engine
	}
	notifier := notification.NewService(repo, recommender, notification.Texts{
		Welcome:        cfg.Prompts.Welcome,
		Encouragement:  cfg.Prompts.Encouragement,
		Recommendation: cfg.Prompts.Recommendation,
	}, cfg.Realtime.RecommendationTimeout())

	var transcriber realtime.Transcriber
	if cfg.Speech.Enabled {
		transcriber = speech.NewTranscriber(speech.Options{
			AppID:       cfg.Speech.AppID,
			AccessToken: cfg.Speech.AccessToken,
			Language:    cfg.Speech.ASRLanguage,
			Concurrent:  cfg.Speech.Concurrent,
			Timeout:     cfg.Speech.Timeout,
		})
		slog.Info("speech recognition enabled", "language", cfg.Speech.ASRLanguage)
	} else {
		slog.Info("语音服务凭证未配置，语音消息将返回不可用错误")
	}

	sessions := session.NewRegistry(repo)
	finalizer := progress.NewFinalizer(sessions, repo)

	rt := realtime.New(realtime.Dependencies{
		Auth:     validator,
		Users:    repo,
		Sessions: sessions,
		Dialogue: engine,
		Progress: finalizer,
		Notifier: notifier,
		Speech:   transcriber,
	}, cfg.Realtime, cfg.Server.AllowedOrigins)

	router := handler.NewRouter(handler.Routes{
		Users:          repo,
		Tokens:         validator,
		Progress:       finalizer,
		Realtime:       rt,
		Store:          repo,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	return startServer(ctx, cfg.Server, router, rt)
}

func openStore(cfg config.StoreConfig) (backend, error) {
	if cfg.InMemory() {
		slog.Warn("DB_PATH is :memory:, data will not survive a restart")
		return store.NewMemory(), nil
	}
	sqlite, err := store.NewSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	return sqlite, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, live drainer) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("Solace backend listening", "addr", serverCfg.Addr)
	return runServer(ctx, srv, live)
}

// runServer serves until ctx ends, then shuts srv down and drains the
// hijacked websocket connections before returning.
func runServer(ctx context.Context, srv *http.Server, live drainer) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := live.Shutdown(shutdownCtx); err != nil {
			slog.Warn("websocket connections did not drain", "error", err)
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = live.Shutdown(drainCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
