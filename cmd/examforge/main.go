package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examforge/internal/handler"
	"github.com/pavelanni/examforge/internal/housekeeping"
	appI18n "github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/store"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examforge",
		Short: "LLM backend for question papers, answer-sheet grading and study plans",
	}

	serve := serveCmd()
	root.AddCommand(serve, extractCmd(), gradeCmd(), generateCmd(), planCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examforge --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.String("admin-password", "", "Initial admin password (or set EXAMFORGE_ADMIN_PASSWORD)")
	f.Duration("session-ttl", store.DefaultSessionTTL, "Lifetime of login tokens")
	f.Int64("max-upload-mb", 32, "Largest accepted upload in megabytes")
	f.Duration("run-retention", 90*24*time.Hour, "Purge run records older than this (0 keeps them)")
	f.Bool("skip-llm-ping", false, "Do not check the LLM endpoint at startup")
	addStoreFlags(cmd)
	addServiceFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "examforge.db", "SQLite database path")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// addServiceFlags registers the settings needed to build the LLM pipelines.
func addServiceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-provider", "openai", "LLM provider (openai, gemini)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the LLM provider")
	f.String("llm-model", "llama3.2", "LLM model name")

	def := model.DefaultPipelineConfig()
	f.Int("batch-size", def.BatchSize, "Targets per LLM request")
	f.Int("max-attempts", def.MaxAttempts, "Loop attempts before giving up on missing items")
	f.Int("concurrency", def.Concurrency, "Concurrent LLM requests per attempt")
	f.Duration("dispatch-timeout", def.DispatchTimeout, "Deadline for one attempt's requests")

	f.String("mistral-key", "", "Mistral API key for OCR (OCR is disabled when empty)")
	f.String("mistral-url", "", "Mistral API base URL")
	f.String("ocr-model", "", "Mistral OCR model")

	f.String("s3-bucket", "", "Bucket for uploaded documents (uploads are skipped when empty)")
	f.String("s3-region", "us-east-1", "S3 region")
	f.String("s3-endpoint", "", "S3-compatible endpoint URL")
	f.String("s3-access-key", "", "S3 access key")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-cdn-url", "", "Public URL prefix for uploaded objects")
	f.Bool("s3-path-style", false, "Use path-style S3 addressing")

	f.String("redis-url", "", "Redis URL for LLM response caching and grading locks (disabled when empty)")
	f.Duration("cache-ttl", 24*time.Hour, "Lifetime of cached LLM responses")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examforge")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examforge")
	v.AddConfigPath("/etc/examforge")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedAdmin(a.store, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if !v.GetBool("skip-llm-ping") {
		if err := a.llm.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "llm", a.llm.Name())
	}

	lang := v.GetString("lang")
	tr, err := appI18n.New(lang)
	if err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	hk := housekeeping.New(a.store, v.GetDuration("run-retention"))
	if err := hk.Start(); err != nil {
		return err
	}
	defer hk.Stop()

	h := handler.New(a.store, a.services(), tr, handler.Config{
		MaxUploadBytes: v.GetInt64("max-upload-mb") << 20,
		SessionTTL:     v.GetDuration("session-ttl"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(tr.Middleware)
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"llm", a.llm.Name(),
			"lang", lang,
			"ocr", a.loader.OCR != nil,
			"cache", a.cache != nil,
			"batch_size", a.pipeline.BatchSize,
			"max_attempts", a.pipeline.MaxAttempts,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EXAMFORGE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
