// Valet is a personal assistant service for tasks and calendar.
//
// It runs an LLM-driven conversation API where read-only actions
// execute immediately and state-changing actions wait for explicit
// user approval. Local sqlite mirrors of the external task list and
// calendar keep reads fast. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	valet serve       Start the API server
//	valet sync        Run one full cache reconciliation and exit
//	valet version     Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mfield/valet/internal/agent"
	"github.com/mfield/valet/internal/api"
	"github.com/mfield/valet/internal/buildinfo"
	"github.com/mfield/valet/internal/calendar"
	"github.com/mfield/valet/internal/checkpoint"
	"github.com/mfield/valet/internal/config"
	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/gcal"
	"github.com/mfield/valet/internal/guided"
	"github.com/mfield/valet/internal/llm"
	"github.com/mfield/valet/internal/observability"
	"github.com/mfield/valet/internal/policy"
	"github.com/mfield/valet/internal/tasks"
	"github.com/mfield/valet/internal/todoist"
	"github.com/mfield/valet/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand; the flag package relies on package
// globals, which makes run impossible to call concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument %q (try -h)", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "sync":
		return runSync(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q (try -h)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `Valet - personal assistant for tasks and calendar

Usage:
  valet serve       Start the API server (default)
  valet sync        Run one full cache reconciliation and exit
  valet version     Print version and build information

Options:
  -config PATH      Config file (default: search %v)
  -o FORMAT         Output format for version: text or json
`, config.DefaultSearchPaths())
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

// newLogger standardizes slog handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// deps holds everything serve and sync share.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	bus      *events.Bus
	metrics  *observability.Metrics
	tasks    *tasks.Service
	calendar *calendar.Service
}

// buildDeps opens storage and constructs the service layer. The caller
// must close deps.db.
func buildDeps(cfg *config.Config, logger *slog.Logger, bus *events.Bus, metrics *observability.Metrics) (*deps, error) {
	dbPath := filepath.Join(cfg.DataDir, "valet.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	taskStore, err := tasks.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("task store: %w", err)
	}
	calStore, err := calendar.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("calendar store: %w", err)
	}

	taskClient := todoist.NewClient(cfg.Tasks.URL, cfg.Tasks.Token, logger)
	calClient := gcal.NewClient(cfg.Calendar.URL, cfg.Calendar.Token, logger)

	return &deps{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		bus:      bus,
		metrics:  metrics,
		tasks:    tasks.NewService(taskClient, taskStore, bus, metrics, logger),
		calendar: calendar.NewService(calClient, calStore, bus, metrics, logger),
	}, nil
}

// newLLMClient selects the provider from config.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Models.Provider {
	case "", "ollama":
		return llm.NewOllamaClient(cfg.Models.OllamaURL), nil
	case "anthropic":
		if cfg.Models.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("models.anthropic_api_key is required for the anthropic provider")
		}
		return llm.NewAnthropicClient(cfg.Models.AnthropicAPIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown models.provider %q", cfg.Models.Provider)
	}
}

func runSync(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	d, err := buildDeps(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer d.db.Close()

	if _, _, err := d.tasks.Sync(ctx); err != nil {
		return fmt.Errorf("task sync: %w", err)
	}
	if cfg.Calendar.URL != "" {
		if _, _, err := d.calendar.Sync(ctx); err != nil {
			return fmt.Errorf("calendar sync: %w", err)
		}
	}
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, "text")
	}
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	bus := events.New()
	metrics := observability.NewMetrics("valet")

	d, err := buildDeps(cfg, logger, bus, metrics)
	if err != nil {
		return err
	}
	defer d.db.Close()

	checkpointStore, err := checkpoint.NewSQLiteStore(d.db)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	client, err := newLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	d.tasks.RegisterTools(registry)
	d.calendar.RegisterTools(registry)

	catalog, err := policy.NewCatalog(cfg.Approval.Auto, cfg.Approval.Confirm)
	if err != nil {
		return fmt.Errorf("approval policy: %w", err)
	}
	if err := catalog.Validate(registry.Names()); err != nil {
		return fmt.Errorf("approval policy: %w", err)
	}

	engine := agent.New(client, cfg.Models.Default, registry, catalog, checkpointStore, agent.Options{
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
		Enrichers: []agent.Enricher{d.tasks.Enrich, d.calendar.Enrich},
	})
	sessions := guided.NewManager(d.tasks, bus, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		engine, d.tasks, d.calendar, sessions, client, bus, logger)

	// Warm the mirrors in the background so the first conversation
	// sees fresh data. Failures are logged, not fatal: the external
	// systems may simply be unreachable right now.
	go func() {
		syncCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, _, err := d.tasks.Sync(syncCtx); err != nil {
			logger.Warn("startup task sync failed", "error", err)
		}
		if cfg.Calendar.URL != "" {
			if _, _, err := d.calendar.Sync(syncCtx); err != nil {
				logger.Warn("startup calendar sync failed", "error", err)
			}
		}
	}()

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Valet stopped")
	return nil
}
