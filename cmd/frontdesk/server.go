package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/frontdesk/internal/api"
	"github.com/kalambet/frontdesk/internal/config"
	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/notify"
	"github.com/kalambet/frontdesk/internal/storage"
	"github.com/kalambet/frontdesk/internal/sweeper"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the frontdesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running frontdesk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show frontdesk status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client := &apiClient{
			baseURL:    cfg.Server.BaseURL(),
			token:      cfg.Agent.Token,
			httpClient: &http.Client{Timeout: 2 * time.Second},
		}
		showStatus(cmd.Context(), client, cfg)
		return nil
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve the MCP tools over stdio")
}

const shutdownTimeout = 5 * time.Second

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "frontdesk.pid")
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

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "frontdesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.Server.BaseURL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("frontdesk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("frontdesk is already running on %s", cfg.Server.Addr())
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	m := metrics.New().WithRuntimeCollectors()

	outbox := notify.NewOutbox(store, notify.OutboxConfig{
		SupervisorURL: cfg.Notify.URL,
		CallerURL:     cfg.Notify.CallerURL,
		MaxAttempts:   cfg.Notify.MaxAttempts,
	})
	ctrl := escalation.NewController(escalation.Deps{
		Requests:  store,
		Knowledge: store,
		Matcher:   knowledge.NewSubstringMatcher(store),
		Notifier:  outbox,
		Metrics:   m,
	})
	worker := notify.NewWorker(store, notify.NewClient(cfg.Notify.Timeout), m, 0)
	sw := sweeper.New(store, ctrl, m, sweeper.Config{
		Threshold: cfg.Escalation.Threshold(),
		Interval:  cfg.Escalation.SweepInterval(),
	})

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewAppHandler(api.AppDeps{
			Lifecycle:  ctrl,
			Metrics:    m,
			AgentToken: cfg.Agent.Token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sw.Run(gctx)
		return nil
	})
	g.Go(func() error {
		printSuccess("frontdesk listening on %s", cfg.Server.Addr())
		printStatus("Supervisor", "%s/supervisor", cfg.Server.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		printStep("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Lifecycle: ctrl, Version: version})
		g.Go(func() error {
			return serveMCP(gctx, mcpSrv, os.Stdin, os.Stdout)
		})
		slog.Info("MCP server started (stdio transport)")
	}

	slog.Info("escalation service ready",
		"timeout", cfg.Escalation.Threshold(),
		"sweep_interval", cfg.Escalation.SweepInterval(),
		"notify_url", cfg.Notify.URL,
	)
	return g.Wait()
}

// serveMCP runs the MCP server over the given streams until ctx is cancelled
// or input ends. Cancellation is a normal stop.
func serveMCP(ctx context.Context, mcpSrv *server.MCPServer, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(mcpSrv).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("frontdesk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop frontdesk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to frontdesk (PID %d)", pid)
	return nil
}

// showStatus prints server health and, when it is up, request and knowledge counts.
func showStatus(ctx context.Context, client *apiClient, cfg config.Config) {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return
	}
	printStatus("Server", "running on %s", cfg.Server.Addr())

	if resp, err := client.get(ctx, "/api/requests"); err == nil {
		var list requestList
		if decodeJSON(resp, &list) == nil {
			counts := map[storage.Status]int{}
			for _, hr := range list.Requests {
				counts[hr.Status]++
			}
			for _, st := range []storage.Status{storage.StatusPending, storage.StatusResolved, storage.StatusUnresolved} {
				printStatus(string(st), "%d", counts[st])
			}
		}
	}
	if resp, err := client.get(ctx, "/api/knowledge"); err == nil {
		var list knowledgeList
		if decodeJSON(resp, &list) == nil {
			printStatus("Learned answers", "%d", len(list.Entries))
		}
	}

	printStatus("Timeout", "%s", cfg.Escalation.Threshold())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}
