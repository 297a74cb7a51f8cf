// Command storyline processes novels from the command line and serves the
// event tools to external agents.
//
// Usage:
//
//	storyline process -novel "Moby Dick" -taxonomy ./master.yaml ./moby.txt
//	storyline replay <run-id>
//	storyline runs
//	storyline tools -novel "Moby Dick"   # MCP server (stdio transport)
//	storyline eval -gold ./moby.gold.yaml
//
// Output goes to stdout as JSON; logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/brunobiangulo/storyline"
	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/eval"
	"github.com/brunobiangulo/storyline/tools"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "process":
		err = runProcess(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "runs":
		err = runList(os.Args[2:])
	case "tools":
		err = runTools(os.Args[2:])
	case "eval":
		err = runEval(os.Args[2:])
	case "--help", "-h", "help":
		printUsage(os.Stdout)
		return
	case "--version", "-v", "version":
		fmt.Printf("storyline v%s\n", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// common holds the flags every subcommand accepts.
type common struct {
	config   string
	dbPath   string
	envFile  string
	logLevel string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Path to config file (JSON or YAML)")
	fs.StringVar(&c.dbPath, "db", "", "Database path (overrides config)")
	fs.StringVar(&c.envFile, "env", ".env", "Optional dotenv file")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn or error")
}

// open sets up logging and configuration and creates the engine.
func (c *common) open() (storyline.Engine, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	// stdout is reserved for results and the MCP transport.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading env file", "path", c.envFile, "error", err)
	}

	cfg := storyline.DefaultConfig()
	if c.config != "" {
		var err error
		if cfg, err = storyline.LoadConfig(c.config); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	return storyline.New(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runProcess(args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	var c common
	c.register(fs)
	novel := fs.String("novel", "", "Novel name (defaults to the file name)")
	taxonomyPath := fs.String("taxonomy", "", "Master event catalogue (json, yaml or xlsx)")
	reset := fs.Bool("reset", false, "Delete the novel's existing events first")
	follow := fs.Bool("follow", false, "Print processing messages to stderr while running")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("process needs exactly one document path")
	}

	engine, err := c.open()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := signalContext()
	defer cancel()

	runID := uuid.NewString()
	opts := []storyline.ProcessOption{storyline.WithRunID(runID), storyline.WithTaxonomy(*taxonomyPath)}
	if *novel != "" {
		opts = append(opts, storyline.WithNovelName(*novel))
	}
	if *reset {
		opts = append(opts, storyline.WithReset())
	}

	if *follow {
		followCtx, stop := context.WithCancel(ctx)
		defer stop()
		go engine.Bus().Follow(followCtx, runID, func(env bus.Envelope) error {
			printMessage(os.Stderr, env)
			return nil
		})
	}

	res, err := engine.ProcessNovel(ctx, fs.Arg(0), opts...)
	if res != nil {
		if encErr := printJSON(os.Stdout, res); encErr != nil {
			return encErr
		}
	}
	return err
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var c common
	c.register(fs)
	raw := fs.Bool("raw", false, "Print envelopes as JSON lines")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("replay needs exactly one run id")
	}

	engine, err := c.open()
	if err != nil {
		return err
	}
	defer engine.Close()

	log, err := engine.Replay(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, env := range log {
		if *raw {
			if err := enc.Encode(env); err != nil {
				return err
			}
			continue
		}
		printMessage(os.Stdout, env)
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var c common
	c.register(fs)
	fs.Parse(args)

	engine, err := c.open()
	if err != nil {
		return err
	}
	defer engine.Close()

	runs, err := engine.ListRuns(context.Background())
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, runs)
}

func runTools(args []string) error {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	var c common
	c.register(fs)
	novel := fs.String("novel", "", "Novel the tools operate on (required)")
	taxonomyPath := fs.String("taxonomy", "", "Master event catalogue (json, yaml or xlsx)")
	origin := fs.Int("origin", 0, "Offset added to create_event character ranges")
	resolution := fs.Bool("resolution", false, "Expose only the timeline resolution tools")
	fs.Parse(args)
	if *novel == "" {
		return errors.New("tools needs -novel")
	}

	engine, err := c.open()
	if err != nil {
		return err
	}
	defer engine.Close()

	contract, err := engine.Tools(context.Background(), *taxonomyPath)
	if err != nil {
		return err
	}
	scope := tools.Scope{
		RunID:       "mcp-" + uuid.NewString(),
		NovelName:   *novel,
		ChunkOrigin: *origin,
		Set:         tools.DetectionTools,
	}
	if *resolution {
		scope.Set = tools.ResolutionTools
	}

	s := server.NewMCPServer("storyline", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(fmt.Sprintf(
			"Tools for recording story events of %q and the temporal relationships between them. "+
				"Character ranges are offsets into the novel text.", *novel)),
	)
	contract.Register(s, scope)
	slog.Info("mcp tools serving", "novel", *novel, "set", scope.Set, "run", scope.RunID)
	return server.ServeStdio(s)
}

func runEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	var c common
	c.register(fs)
	goldPath := fs.String("gold", "", "Gold timeline (json or yaml, required)")
	novel := fs.String("novel", "", "Novel to score (defaults to the gold file's novel)")
	minIoU := fs.Float64("min-iou", eval.DefaultMinIoU, "Overlap needed to match a gold event")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	fs.Parse(args)
	if *goldPath == "" {
		return errors.New("eval needs -gold")
	}

	gold, err := eval.LoadGold(*goldPath)
	if err != nil {
		return err
	}
	if *novel != "" {
		gold.Novel = *novel
	}
	if gold.Novel == "" {
		return errors.New("gold timeline names no novel; pass -novel")
	}

	engine, err := c.open()
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := eval.NewEvaluator(engine, *minIoU).Run(context.Background(), gold)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, report)
	}
	fmt.Print(eval.FormatReport(report))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printMessage writes one human-readable line per envelope. Unknown kinds
// are skipped.
func printMessage(w io.Writer, env bus.Envelope) {
	msg, ok := env.Message()
	if !ok {
		return
	}
	switch m := msg.(type) {
	case bus.Status:
		fmt.Fprintf(w, "%4d [%s] %s\n", env.Seq, m.Tag, m.Text)
	case bus.Reasoning:
		fmt.Fprintf(w, "%4d %s: %s\n", env.Seq, m.Agent, m.Text)
	case bus.ToolInvoked:
		fmt.Fprintf(w, "%4d -> %s %s\n", env.Seq, m.Tool, m.Input)
	case bus.ToolCompleted:
		if m.Error != "" {
			fmt.Fprintf(w, "%4d <- %s error: %s\n", env.Seq, m.Tool, m.Error)
			return
		}
		fmt.Fprintf(w, "%4d <- %s %s\n", env.Seq, m.Tool, m.Output)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `storyline v%s: story event graphs from narrative text

Usage:
  storyline process [flags] <document>   Detect events and resolve their timeline
  storyline replay [flags] <run-id>      Print the processing log of a run
  storyline runs [flags]                 List runs
  storyline tools -novel <name> [flags]  Serve the event tools over MCP (stdio)
  storyline eval -gold <file> [flags]    Score a processed novel against a gold timeline

Common flags:
  -config <file>     JSON or YAML configuration
  -db <path>         Database path
  -env <file>        dotenv file (default .env)
  -log-level <lvl>   debug, info, warn or error

MCP client configuration:

  {
    "mcpServers": {
      "storyline": {
        "command": "storyline",
        "args": ["tools", "-novel", "Moby Dick"]
      }
    }
  }
`, version)
}
