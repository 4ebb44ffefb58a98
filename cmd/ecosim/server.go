package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ecosim/internal/api"
	"github.com/kalambet/ecosim/internal/completion"
	"github.com/kalambet/ecosim/internal/config"
	"github.com/kalambet/ecosim/internal/evaluation"
	"github.com/kalambet/ecosim/internal/ingest"
	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/lock"
	"github.com/kalambet/ecosim/internal/ollama"
	"github.com/kalambet/ecosim/internal/proxy"
	"github.com/kalambet/ecosim/internal/ratelimit"
	"github.com/kalambet/ecosim/internal/report"
	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/session"
	"github.com/kalambet/ecosim/internal/simulator"
	"github.com/kalambet/ecosim/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ecosim server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ecosim server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ecosim system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ecosim.pid")
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

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "ecosim version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewSecrets())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ecosim is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ecosim is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local models. The chat model is only required when dialogue runs on
	// Ollama; without embeddings retrieval degrades to no passages.
	ollamaClient := ollama.New(cfg.Completion.OllamaBaseURL)
	chatModel := ""
	if cfg.Completion.Provider == config.ProviderOllama {
		chatModel = cfg.Completion.Model
	}
	if err := ollama.EnsureReady(ctx, ollamaClient, chatModel, cfg.Embedding.Model, os.Stderr); err != nil {
		if chatModel != "" {
			return err
		}
		slog.Warn("ollama unavailable, reference retrieval will return no passages", "error", err)
	}

	store, err := storage.OpenWith(storage.Options{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		DataDir:         cfg.Storage.DataDir,
		ConnectAttempts: cfg.Storage.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	catalog := scenario.NewCatalog(store)
	if cfg.Storage.SeedSamples {
		if _, err := catalog.SeedSamples(ctx); err != nil {
			return fmt.Errorf("seeding sample scenarios: %w", err)
		}
	}

	dialogue, closeDialogue, err := completion.New(ctx, completionConfig(cfg.Completion, cfg.Completion.Model))
	if err != nil {
		return fmt.Errorf("building completion backend: %w", err)
	}
	defer closeDialogue()
	evaluator, closeEvaluator, err := completion.New(ctx, completionConfig(cfg.Completion, cfg.Completion.EvaluationModel()))
	if err != nil {
		return fmt.Errorf("building evaluation backend: %w", err)
	}
	defer closeEvaluator()

	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Embedding.Model)
	vectors := retrieval.NewSQLStore(store.DB(), store.Dialect())
	searcher := retrieval.NewSearcher(
		retrieval.NewRetriever(embedder, vectors),
		cfg.Retrieval.TopK,
		config.Duration(cfg.Retrieval.Timeout, 2*time.Second),
	)

	var locks lock.Locker = lock.NewLocal()
	if cfg.Lock.RedisAddr != "" {
		rl, err := lock.NewRedis(ctx, cfg.Lock.RedisAddr, config.Duration(cfg.Lock.TTL, 90*time.Second))
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rl.Close()
		locks = rl
		slog.Info("using redis session locks", "addr", cfg.Lock.RedisAddr)
	}

	sim := simulator.New(simulator.Deps{
		Store:     store,
		Scenarios: catalog,
		Completer: dialogue,
		Search:    searcher,
		Locks:     locks,
	}, simulator.Config{
		Temperature:      cfg.Simulation.Temperature,
		MaxTokens:        cfg.Completion.MaxTokens,
		Timeout:          config.Duration(cfg.Completion.Timeout, 60*time.Second),
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
	})
	sessions := session.NewManagerWithLocks(store, catalog, locks)
	engine := evaluation.New(store, catalog, evaluator, report.NewGenerator(store), evaluation.Config{
		Temperature: cfg.Evaluation.Temperature,
		MaxTokens:   cfg.Evaluation.MaxTokens,
		Timeout:     config.Duration(cfg.Evaluation.Timeout, 2*time.Minute),
	})
	indexer := ingest.NewIndexer(store, embedder, vectors, &http.Client{Timeout: 15 * time.Second})

	worker := jobs.NewWorker(store, config.Duration(cfg.Worker.PollInterval, 500*time.Millisecond))
	worker.Handle(jobs.TypeEvaluateSession, engine.HandleJob)
	worker.Handle(jobs.TypeIndexDocument, indexer.HandleJob)
	go worker.Run(ctx)

	deps := api.Deps{
		Sessions:  sessions,
		Simulator: sim,
		Scenarios: catalog,
		Indexer:   indexer,
		Docs:      store,
		Limiter:   ratelimit.NewLimiter(cfg.Simulation.TurnsPerMinute, cfg.Simulation.TurnBurst),
		Token:     apiToken,
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ecosim listening on %s\n", addr)
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

func completionConfig(c config.CompletionConfig, model string) completion.Config {
	return completion.Config{
		Provider:      c.Provider,
		Model:         model,
		OllamaBaseURL: c.OllamaBaseURL,
		OpenRouterKey: c.OpenRouterAPIKey,
		GeminiKey:     c.GeminiAPIKey,
	}
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
		printError("ecosim is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ecosim (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ecosim (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
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

	ollamaResp, err := client.Get(cfg.Completion.OllamaBaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Completion.OllamaBaseURL)
	}

	printStatus("Provider", "%s", cfg.Completion.Provider)
	printStatus("Dialogue model", "%s", cfg.Completion.Model)
	if cfg.Completion.Provider == config.ProviderOpenRouter && cfg.Completion.OpenRouterAPIKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		printStatus("OpenRouter", "%s", openRouterStatus(ctx, proxy.NewClient(cfg.Completion.OpenRouterAPIKey), cfg.Completion.Model))
		cancel()
	}
	printStatus("Evaluation model", "%s", cfg.Completion.EvaluationModel())
	printStatus("Embed model", "%s", cfg.Embedding.Model)

	apiToken, tokenErr := config.GetAPIToken(config.NewSecrets())
	if tokenErr == nil && running {
		scResp, err := apiGet(client, serverURL+"/scenarios", apiToken)
		if err == nil {
			var scenarios []json.RawMessage
			if json.NewDecoder(scResp.Body).Decode(&scenarios) == nil {
				printStatus("Scenarios", "%s", countLabel(len(scenarios), 100))
			}
			scResp.Body.Close()
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

type modelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// openRouterStatus reports whether the configured model is offered by the
// account's model list.
func openRouterStatus(ctx context.Context, lister modelLister, model string) string {
	models, err := lister.ListModels(ctx)
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	for _, m := range models {
		if m.ID == model {
			return fmt.Sprintf("%d models, %s available", len(models), model)
		}
	}
	return fmt.Sprintf("%d models, %s not listed", len(models), model)
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
