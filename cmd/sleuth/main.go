// Command sleuth is an interactive agent that answers questions about live
// HTTP traffic by driving an MCP tool server in front of a capture proxy.
// The model decides which tools to call; the agent executes them and feeds
// results back until the model produces a final answer.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/proxysleuth/sleuth/pkg/catalog"
	"github.com/proxysleuth/sleuth/pkg/config"
	"github.com/proxysleuth/sleuth/pkg/extract"
	"github.com/proxysleuth/sleuth/pkg/invoke"
	"github.com/proxysleuth/sleuth/pkg/mcp"
	"github.com/proxysleuth/sleuth/pkg/models"
	"github.com/proxysleuth/sleuth/pkg/orchestrate"
)

const toolNamespace = "proxy"

var (
	configPath   string
	providerFlag string
	modelFlag    string
	serverFlag   string
	maxCallsFlag int
	logFileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "sleuth",
	Short: "Interactive traffic-analysis agent backed by an MCP tool server",
	Long: "sleuth connects a language model to a proxy inspection tool server.\n" +
		"Ask questions in natural language; the model calls the server's tools\n" +
		"(session listings, searches, body retrieval) and explains what it finds.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "sleuth.yaml", "path to the config file")
	flags.StringVar(&providerFlag, "provider", "", "model provider (gemini, openai, anthropic, ollama)")
	flags.StringVar(&modelFlag, "model", "", "model name")
	flags.StringVar(&serverFlag, "server", "", "tool server command (overrides config)")
	flags.IntVar(&maxCallsFlag, "max-calls", 0, "tool call budget per query")
	flags.StringVar(&logFileFlag, "log-file", "", "session log path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	logger, closeLog, err := openLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	model, err := models.NewProvider(ctx, cfg.Model.Provider, cfg.Model.Name)
	if err != nil {
		return err
	}
	defer closeIfCloser(model)

	session, err := mcp.NewStdioSession(ctx, mcp.StdioConfig{
		Command: cfg.Server.Command,
		Args:    cfg.Server.Args,
		Dir:     cfg.Server.Dir,
		Options: mcp.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			Logger:         logger,
		},
	})
	if err != nil {
		return fmt.Errorf("starting tool server: %w", err)
	}
	defer session.Close()

	cat, err := catalog.Discover(ctx, session)
	if err != nil {
		return fmt.Errorf("discovering tools: %w", err)
	}
	logger.Info("tool catalog discovered", "server", session.Server().Name, "tools", cat.Len())

	yellow := color.New(color.FgYellow)
	var store *invoke.DumpStore
	if cfg.Agent.AutoSaveDumps {
		store = invoke.NewDumpStore(cfg.Agent.DumpDir)
	}
	invoker := invoke.New(session, invoke.Options{
		Namespace: toolNamespace,
		Store:     store,
		Notice:    func(msg string) { yellow.Println(msg) },
		Logger:    logger,
	})

	dim := color.New(color.Faint)
	loop, err := orchestrate.New(model, cat,
		catalog.NewResolver(toolNamespace, cat, logger),
		extract.New(toolNamespace, logger),
		invoker,
		orchestrate.WithMaxToolCalls(cfg.Agent.MaxToolCalls),
		orchestrate.WithReporter(func(text string) { dim.Println(text) }),
		orchestrate.WithLogger(logger))
	if err != nil {
		return err
	}

	r := &repl{
		loop:     loop,
		invoker:  invoker,
		catalog:  cat,
		provider: cfg.Model.Provider,
		model:    cfg.Model.Name,
		logger:   logger,
	}
	return r.run(ctx)
}

func applyFlags(cfg *config.Config) {
	if providerFlag != "" {
		cfg.Model.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Model.Name = modelFlag
	}
	if serverFlag != "" {
		parts := strings.Fields(serverFlag)
		cfg.Server.Command = parts[0]
		cfg.Server.Args = parts[1:]
	}
	if maxCallsFlag > 0 {
		cfg.Agent.MaxToolCalls = maxCallsFlag
	}
	if logFileFlag != "" {
		cfg.Logging.Path = logFileFlag
	}
}

// openLogger routes structured logs to the session log file so they never
// interleave with REPL output on the terminal.
func openLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	return logger, func() { file.Close() }, nil
}

func closeIfCloser(model models.Model) {
	if closer, ok := model.(io.Closer); ok {
		closer.Close()
	}
}
