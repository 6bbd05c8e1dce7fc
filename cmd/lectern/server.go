package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/chat"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/llm/langchain"
	"github.com/kalambet/lectern/internal/llm/openrouter"
	"github.com/kalambet/lectern/internal/ollama"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
	"github.com/kalambet/lectern/internal/study"
)

const mcpUserEnv = "LECTERN_MCP_USER"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lectern server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lectern server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lectern system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lectern.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newModel builds the chat-completion backend selected by llm.provider.
func newModel(cfg config.Config) (llm.Model, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return langchain.NewOpenAI(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	case config.ProviderOpenRouter:
		if cfg.LLM.BaseURL != "" {
			return openrouter.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.LLM.BaseURL, cfg.LLM.Model), nil
		}
		return openrouter.NewClient(cfg.Proxy.OpenRouterAPIKey, cfg.LLM.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// resolveMCPUser picks the user the MCP tools act for: the id or name in
// LECTERN_MCP_USER, or the only user when there is exactly one.
func resolveMCPUser(users []storage.User, want string) (storage.User, error) {
	if want != "" {
		for _, u := range users {
			if u.ID == want || u.Name == want {
				return u, nil
			}
		}
		return storage.User{}, fmt.Errorf("%s=%q matches no user", mcpUserEnv, want)
	}
	if len(users) == 1 {
		return users[0], nil
	}
	return storage.User{}, fmt.Errorf("%d users exist; set %s to choose one", len(users), mcpUserEnv)
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "lectern version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice. The health endpoint answers only for a live server.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lectern is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lectern is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ollamaClient := ollama.New(cfg.Ollama.BaseURL, ollama.WithKeepAlive(cfg.Ollama.KeepAlive))
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Retrieval and indexing share one embedder and passage table.
	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	passages := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, passages,
		retrieval.WithTopK(cfg.Retrieval.TopK),
		retrieval.WithThreshold(float32(cfg.Retrieval.Threshold)),
	)

	indexer := ingest.NewIndexer(retrieval.NewPassageIndexer(embedder, passages),
		ingest.WithBatchSize(cfg.Ingest.BatchSize),
		ingest.WithBatchDelay(cfg.Ingest.BatchDelay),
	)
	hub := progress.NewHub()
	worker, err := ingest.NewWorker(store, ingest.NewPipeline(store, passages, indexer), hub,
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithPollInterval(cfg.Ingest.PollInterval),
	)
	if err != nil {
		return fmt.Errorf("starting ingest worker: %w", err)
	}
	defer worker.Close()

	model, err := newModel(cfg)
	if err != nil {
		return err
	}
	slog.Info("chat model configured", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	if or, ok := model.(*openrouter.Client); ok {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		listed, err := or.CheckModel(checkCtx)
		cancel()
		switch {
		case err != nil:
			slog.Warn("could not list chat models", "error", err)
		case !listed:
			slog.Warn("chat model not offered by the endpoint", "model", cfg.LLM.Model)
		}
	}

	summarizer := study.NewSummarizer(model, cfg.Study.CharBudget)
	handler := api.NewHandler(api.Deps{
		Store:      store,
		Hub:        hub,
		Chat:       chat.NewLoop(model, retriever, chat.WithMaxSteps(cfg.Chat.MaxSteps)),
		Retriever:  retriever,
		Summarizer: summarizer,
		Quiz:       study.NewQuizMaker(model, cfg.Study.CharBudget),
		RateLimit:  cfg.Chat.RateLimit,
		RateBurst:  cfg.Chat.RateBurst,
	})

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		worker.Run(workerCtx)
		close(workerDone)
	}()
	defer func() {
		stopWorker()
		<-workerDone
	}()

	if cfg.Server.MCPEnabled {
		startMCP(ctx, store, hub, retriever, summarizer)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Open SSE streams end when the server is asked to stop.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lectern listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startMCP serves the MCP tools over stdio in the background.
func startMCP(ctx context.Context, store *storage.Store, hub *progress.Hub, retriever *retrieval.Retriever, summarizer *study.Summarizer) {
	users, err := store.ListUsers()
	if err != nil {
		slog.Error("MCP server disabled: listing users", "error", err)
		return
	}
	user, err := resolveMCPUser(users, os.Getenv(mcpUserEnv))
	if err != nil {
		slog.Error("MCP server disabled", "error", err)
		return
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Hub:        hub,
		Retriever:  retriever,
		Summarizer: summarizer,
		UserID:     user.ID,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)", "user", user.Name)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lectern is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lectern (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lectern (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Chat model", "%s (%s)", cfg.LLM.Model, cfg.LLM.Provider)

	if running {
		if c, err := newAPIClient(); err == nil {
			if books, err := listBooks(ctx, c); err == nil {
				printStatus("Books", "%s", bookCounts(books))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// bookCounts summarizes books by status, e.g. "3 (2 ready, 1 processing)".
func bookCounts(books []api.BookView) string {
	if len(books) == 0 {
		return "0"
	}
	order := []string{storage.BookReady, storage.BookProcessing, storage.BookQueued, storage.BookFailed}
	counts := make(map[string]int)
	for _, b := range books {
		counts[b.Status]++
	}
	var parts []string
	for _, s := range order {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	return fmt.Sprintf("%d (%s)", len(books), strings.Join(parts, ", "))
}
