package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codefionn/dirigent/internal/collab"
	"github.com/codefionn/dirigent/internal/config"
	"github.com/codefionn/dirigent/internal/llm/anthropic"
	"github.com/codefionn/dirigent/internal/logger"
	"github.com/codefionn/dirigent/internal/notify"
	"github.com/codefionn/dirigent/internal/orchestrator"
	"github.com/codefionn/dirigent/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components and their teardown order.
type app struct {
	cfg      *config.Config
	audit    *store.AuditLog
	store    *store.FileStore
	registry *collab.Registry
	engine   *orchestrator.Engine
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Global().Warn("Failed to close audit log: %v", err)
		}
	}
	if err := logger.Global().Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
	}
}

func run() error {
	var (
		configPath    = flag.String("config", "", "path to the config file")
		logLevel      = flag.String("log-level", "", "log level (debug, info, warn, error)")
		modelOverride = flag.String("model", "", "override the orchestration model")
		collabID      = flag.String("collaboration", "", "existing collaboration id to continue")
		interactionID = flag.String("interaction", "", "existing interaction id to continue")
		maxTurns      = flag.Int("max-turns", 0, "override the per-statement turn bound")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *modelOverride != "" {
		cfg.Model.OrchestrationModel = *modelOverride
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	statement, err := readStatement(flag.Args())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := a.engine.HandleStatement(ctx, *collabID, *interactionID, statement, &orchestrator.StatementOptions{
		MaxTurns: *maxTurns,
	})
	if err != nil {
		if resp != nil && resp.ErrorCode != "" {
			return fmt.Errorf("%s: %s", resp.ErrorCode, resp.ErrorMessage)
		}
		return err
	}

	fmt.Println(resp.Answer)
	logger.Global().Info("collaboration=%s interaction=%s turns=%d termination=%s tokens=%d",
		resp.CollaborationID, resp.InteractionID, resp.Turns, resp.TerminationReason, resp.Usage.Total())
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func buildApp(cfg *config.Config) (*app, error) {
	apiKey := os.Getenv(cfg.Model.APIKeyEnv)
	transport, err := anthropic.New(apiKey, cfg.Model.OrchestrationModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestration transport: %w", err)
	}
	aux, err := anthropic.New(apiKey, cfg.Model.AuxiliaryModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create auxiliary transport: %w", err)
	}

	audit, err := store.OpenAuditLog(cfg.Storage.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	fileStore, err := store.NewFileStore(cfg.Storage.BaseDir, audit)
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("failed to open interaction store: %w", err)
	}

	registry := collab.NewRegistry(fileStore)
	engine := orchestrator.NewEngine(cfg, transport, aux, registry, fileStore, orchestrator.Capabilities{
		Notifier: notify.NewLogSink(logger.Global()),
	})

	return &app{
		cfg:      cfg,
		audit:    audit,
		store:    fileStore,
		registry: registry,
		engine:   engine,
	}, nil
}

// readStatement takes the statement from the remaining arguments or, when
// none are given, from stdin.
func readStatement(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	info, err := os.Stdin.Stat()
	if err == nil && (info.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return "", fmt.Errorf("failed to read statement from stdin: %w", err)
		}
		return string(data), nil
	}

	return "", fmt.Errorf("no statement given: pass it as arguments or on stdin")
}
