// Command advisor runs the portfolio chat agent: an HTTP service that
// gates incoming messages, drives a bounded tool-calling loop against a
// chat-completion model, and persists conversation state in Redis.
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
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfolio/advisor-agent/internal/agent"
	"github.com/openfolio/advisor-agent/internal/api"
	"github.com/openfolio/advisor-agent/internal/audit"
	"github.com/openfolio/advisor-agent/internal/backend"
	"github.com/openfolio/advisor-agent/internal/buildinfo"
	"github.com/openfolio/advisor-agent/internal/config"
	"github.com/openfolio/advisor-agent/internal/convstore"
	"github.com/openfolio/advisor-agent/internal/intent"
	"github.com/openfolio/advisor-agent/internal/llm"
	"github.com/openfolio/advisor-agent/internal/tools"
)

const usage = `advisor - portfolio chat agent

Usage:
  advisor serve [-config path] [-listen addr] [-log-level level]
  advisor ask [-config path] [-user id] [-conversation id] <message>
  advisor version

Commands:
  serve     Run the HTTP API server
  ask       Send one message from the terminal and stream the reply
  version   Print build information
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("no command given")
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, stderr, args[1:])
	case "ask":
		return runAsk(ctx, stdout, stderr, args[1:])
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// serveFlags holds the parsed serve/ask command line.
type serveFlags struct {
	configPath string
	listen     string
	logLevel   string
	user       string
	convID     string
	rest       []string
}

func parseFlags(args []string) (*serveFlags, error) {
	f := &serveFlags{user: "local"}
	i := 0
	for i < len(args) {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %s needs a value", arg)
		}
		val := args[i+1]
		switch arg {
		case "-config":
			f.configPath = val
		case "-listen":
			f.listen = val
		case "-log-level":
			f.logLevel = val
		case "-user":
			f.user = val
		case "-conversation":
			f.convID = val
		default:
			return nil, fmt.Errorf("unknown flag %q", arg)
		}
		i += 2
	}
	f.rest = args[i:]
	return f, nil
}

func loadConfig(f *serveFlags) (*config.Config, error) {
	path, err := config.FindConfig(f.configPath)
	if err != nil {
		if f.configPath != "" {
			return nil, err
		}
		// No config file anywhere: run on defaults plus environment.
		cfg := config.Default()
		applyEnv(cfg)
		return cfg, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv fills credentials from the environment when the file leaves
// them empty, so secrets can stay out of config files.
func applyEnv(cfg *config.Config) {
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Backend.Token == "" {
		cfg.Backend.Token = os.Getenv("ADVISOR_BACKEND_TOKEN")
	}
}

func newLogger(stderr io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})), nil
}

// buildService wires the full pipeline from config. The audit store is
// returned separately so callers can close it.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Service, *audit.Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Per-request store errors surface to callers; startup just warns.
		logger.Warn("redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	store := convstore.New(rdb, convstore.Options{
		MaxTurns:    cfg.Conversation.MaxTurns,
		MaxEntities: cfg.Conversation.MaxEntities,
		HistoryTTL:  cfg.Conversation.HistoryTTL,
		IntentTTL:   cfg.Conversation.IntentTTL,
	}, logger)

	backendClient := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, logger)
	registry := tools.NewDomainRegistry(backendClient, logger)

	var (
		gate *intent.Gate
		orch *agent.Orchestrator
	)
	if cfg.OpenAI.APIKey != "" {
		client := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)

		classifierModel := cfg.OpenAI.ClassifierModel
		if classifierModel == "" {
			classifierModel = cfg.OpenAI.Model
		}
		classifier := intent.NewClassifier(client, classifierModel, logger)
		gate = intent.NewGate(classifier, intent.Thresholds{
			HardBlock:             cfg.Gate.HardBlockConfidence,
			Clarify:               cfg.Gate.ClarifyConfidence,
			SecondPassBand:        cfg.Gate.SecondPassBand,
			ShortFollowUpMaxWords: cfg.Gate.ShortFollowUpMaxWords,
		}, logger)

		orch = agent.NewOrchestrator(client, cfg.OpenAI.Model, registry, 0, logger)
	} else {
		logger.Warn("no OpenAI API key configured; chat requests will fail until one is set")
	}

	var (
		auditStore *audit.Store
		auditor    agent.Auditor
	)
	if cfg.AuditDB != "" {
		var err error
		auditStore, err = audit.Open(cfg.AuditDB, logger)
		if err != nil {
			return nil, nil, err
		}
		auditor = auditStore
	}

	svc := agent.NewService(store, gate, orch, auditor, agent.Options{
		HistoryLimit:       cfg.Conversation.HistoryLimit,
		IntentHistoryLimit: cfg.Conversation.IntentHistoryLimit,
		MaxEntities:        cfg.Conversation.MaxEntities,
	}, logger)

	return svc, auditStore, nil
}

func runServe(ctx context.Context, stderr io.Writer, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	svc, auditStore, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
	}

	var auditReader api.AuditReader
	if auditStore != nil {
		auditReader = auditStore
	}

	addr := f.listen
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(svc, auditReader, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runAsk(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.rest) == 0 {
		return errors.New("ask: no message given")
	}
	message := strings.Join(f.rest, " ")

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logLevel := cfg.LogLevel
	if f.logLevel != "" {
		logLevel = f.logLevel
	} else if logLevel == "" {
		// Keep the terminal clean for one-shot questions.
		logLevel = "warn"
	}

	logger, err := newLogger(stderr, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	svc, auditStore, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
	}

	reply, err := svc.Chat(ctx, f.user, f.convID, message, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(stdout, ev.Token)
		case llm.KindToolCallDone:
			fmt.Fprintf(stderr, "\n[tool: %s]\n", ev.ToolName)
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout)
	fmt.Fprintln(stderr, "conversation:", reply.ConversationID)
	return nil
}
