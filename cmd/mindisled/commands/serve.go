package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/achcyano/mindisle-server/pkg/chat"
	"github.com/achcyano/mindisle-server/pkg/genstream"
	"github.com/achcyano/mindisle-server/pkg/kv"
	"github.com/achcyano/mindisle-server/pkg/sse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      cfg.DataDir,
		InMemory: cfg.DataDir == "",
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	upstream, err := newStreamer(ctx, cfg)
	if err != nil {
		return err
	}

	coord := genstream.NewCoordinator(genstream.Config{
		Store:       store,
		Upstream:    upstream,
		Model:       cfg.Model,
		ReplayTTL:   cfg.ReplayTTL,
		LiveTimeout: cfg.LiveTimeout,
		Logger:      logger,
	})

	handler := sse.NewHandler(coord, &sse.BearerAuthenticator{Tokens: cfg.AuthTokens}, logger)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           logRequests(logger, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "provider", cfg.Provider, "model", cfg.Model)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := coord.Shutdown(shCtx); err != nil {
		logger.Warn("coordinator shutdown", "err", err)
	}
	return nil
}

func newStreamer(ctx context.Context, cfg *Config) (chat.Streamer, error) {
	switch cfg.Provider {
	case "openai":
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(opts...)
		return &chat.OpenAIStreamer{Client: &client, Model: cfg.Model}, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return &chat.GeminiStreamer{Client: client, Model: cfg.Model}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
