package main

import (
	"context"
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

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/BustosAndrew/calhacks10/internal/api"
	"github.com/BustosAndrew/calhacks10/internal/catalog"
	"github.com/BustosAndrew/calhacks10/internal/chat"
	"github.com/BustosAndrew/calhacks10/internal/config"
	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/llm"
	"github.com/BustosAndrew/calhacks10/internal/profile"
	"github.com/BustosAndrew/calhacks10/internal/storage"
	"github.com/BustosAndrew/calhacks10/internal/tools"
	"github.com/BustosAndrew/calhacks10/internal/trigger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the macrochat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		serveMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(serveMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running macrochat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show macrochat server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve the MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "macrochat.pid")
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

// app is the wired server: HTTP routes, MCP server and the creation-trigger
// worker, all sharing one store.
type app struct {
	store   *storage.Store
	handler http.Handler
	mcp     *server.MCPServer
	worker  *trigger.Worker
}

// newApp opens storage, seeds the catalog and wires every component. model
// is the language model behind POST /chat.
func newApp(ctx context.Context, cfg config.Config, token string, model chat.Model) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cat := catalog.New(store)
	n, err := cat.Seed(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seeding catalog: %w", err)
	}
	if n > 0 {
		slog.Info("seeded food catalog", "items", n)
	}

	profileMgr := profile.NewManager(store, cfg.Profile.CacheTTL)
	history := conversation.NewHistory(store)
	dispatcher := tools.NewDispatcher(cat, store, tools.WithModelAsserted(cfg.Chat.ModelAssertedNutrients))
	orchestrator := chat.New(model, store, profileMgr, history, dispatcher, chat.WithLocation(loc))

	chatHandler := api.NewChatHandler(orchestrator)
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Profile:  profileMgr,
		Catalog:  cat,
		History:  history,
		Location: loc,
		Token:    token,
	})

	// /health and /chat are public; everything else is bearer-protected.
	top := chi.NewRouter()
	top.Handle("/health", chatHandler)
	top.Handle("/chat", chatHandler)
	top.Mount("/", appHandler)

	return &app{
		store:   store,
		handler: top,
		mcp: api.NewMCPServer(api.MCPDeps{
			Store:      store,
			Dispatcher: dispatcher,
			Location:   loc,
		}),
		worker: trigger.NewWorker(store, 500*time.Millisecond),
	}, nil
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "macrochat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", clientHost(cfg.Server.Host), cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("macrochat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("macrochat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := llm.NewClient(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}
	slog.Info("model client ready", "model", model.Model(), "base_url", cfg.LLM.BaseURL)

	a, err := newApp(ctx, cfg, apiToken, model)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	go a.worker.Run(ctx)

	if serveMCP {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "macrochat listening on %s (max %d connections)\n", ln.Addr(), cfg.Server.MaxConns)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

func stopServer() error {
	cfg, err := config.LoadLenient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("macrochat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop macrochat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to macrochat (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.LoadLenient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", clientHost(cfg.Server.Host), cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s at %s", cfg.LLM.Model, cfg.LLM.BaseURL)
	if cfg.LLM.APIKey == "" {
		printWarning("no LLM API key configured")
	}
	tz := cfg.Chat.Timezone
	if tz == "" {
		tz = "local"
	}
	printStatus("Timezone", "%s", tz)

	if token, err := config.GetAPIToken(config.NewKeychain()); err == nil && running {
		if foodsResp, err := apiGet(client, serverURL+"/foods?limit=1000", token); err == nil {
			var foods []struct{}
			if decodeJSON(foodsResp, &foods) == nil {
				printStatus("Catalog", "%s foods", countLabel(len(foods), 1000))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
