package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"

	"github.com/proxysleuth/sleuth/pkg/catalog"
	"github.com/proxysleuth/sleuth/pkg/invoke"
	"github.com/proxysleuth/sleuth/pkg/models"
	"github.com/proxysleuth/sleuth/pkg/orchestrate"
)

const banner = `
      _            _   _
  ___| | ___ _   _| |_| |__
 / __| |/ _ \ | | | __| '_ \
 \__ \ |  __/ |_| | |_| | | |
 |___/_|\___|\__,_|\__|_| |_|
`

type repl struct {
	loop     *orchestrate.Loop
	invoker  *invoke.Invoker
	catalog  *catalog.Catalog
	provider string
	model    string
	logger   *slog.Logger
}

func (r *repl) run(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Printf("Model: %s/%s | Tools: %d | /help for commands\n\n", r.provider, r.model, r.catalog.Len())

	// Ctrl-C cancels the query in flight rather than killing the process;
	// at the prompt it just nudges toward /quit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			fmt.Println("\n(interrupted — type /quit to exit)")
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for {
		green.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		r.query(ctx, sigCh, line)
	}
}

// query runs one orchestration pass, wiring the interrupt signal to the
// query's context so an in-flight tool call finishes before the loop stops.
func (r *repl) query(ctx context.Context, sigCh chan os.Signal, line string) {
	queryCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()

	answer, err := r.loop.Run(queryCtx, line)
	close(done)
	cancel()

	if err != nil {
		color.Red("Error: %v", err)
		r.logger.Error("query failed", "err", err)
		return
	}
	fmt.Println()
	fmt.Println(answer)
	fmt.Println()
}

// command dispatches a slash command, returning true for quit.
func (r *repl) command(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printHelp()
	case "/tools":
		fmt.Println(r.catalog.Render())
	case "/stats":
		r.printStats(ctx)
	case "/history":
		r.printHistory()
	case "/clear":
		r.loop.Conversation().Clear()
		fmt.Println("Conversation cleared.")
	case "/model":
		r.switchModel(ctx, args)
	default:
		fmt.Printf("Unknown command %s — /help lists commands.\n", cmd)
	}
	return false
}

func (r *repl) printHelp() {
	yellow := color.New(color.FgYellow)
	yellow.Println("Commands:")
	fmt.Println("  /tools            List the tool server's catalog")
	fmt.Println("  /stats            Show capture bridge statistics")
	fmt.Println("  /history          Show the conversation so far")
	fmt.Println("  /clear            Forget the conversation")
	fmt.Println("  /model [name]     Show or switch the model")
	fmt.Println("  /quit             Exit")
	fmt.Println()
	fmt.Println("Anything else is sent to the model as an analysis query.")
}

func (r *repl) printStats(ctx context.Context) {
	payload, err := r.invoker.Invoke(ctx, toolNamespace+"__live_stats", nil)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	fmt.Println(string(pretty))
}

func (r *repl) printHistory() {
	turns := r.loop.Conversation().Turns()
	if len(turns) == 0 {
		fmt.Println("No conversation yet.")
		return
	}
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	for _, turn := range turns {
		switch turn.Role {
		case orchestrate.RoleUser:
			cyan.Printf("[you] ")
		case orchestrate.RoleTool:
			yellow.Printf("[%s] ", turn.Tool)
		default:
			fmt.Printf("[%s] ", turn.Role)
		}
		fmt.Println(clipLine(turn.Content, 300))
	}
}

func (r *repl) switchModel(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Printf("Current model: %s/%s\n", r.provider, r.model)
		return
	}
	name := args[0]
	model, err := models.NewProvider(ctx, r.provider, name)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	closeIfCloser(r.loop.Model())
	r.loop.SetModel(model)
	r.model = name
	fmt.Printf("Switched to %s/%s\n", r.provider, name)
}

func clipLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
