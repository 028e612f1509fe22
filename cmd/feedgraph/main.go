package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/events"
	"github.com/sandwichfarm/feedgraph/internal/ops"
	"github.com/sandwichfarm/feedgraph/internal/sync"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("feedgraph %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("feedgraph - social feed poller and post graph")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  feedgraph init              Generate example configuration")
		fmt.Println("  feedgraph --version         Show version information")
		fmt.Println("  feedgraph --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting feedgraph %s\n", version)
	fmt.Printf("  API: %s\n", cfg.API.BaseURL)
	fmt.Printf("  Accounts: %d\n", len(cfg.Accounts))
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit, map[string]interface{}{
		"accounts":       len(cfg.Accounts),
		"active_account": cfg.Identity.ActiveAccount,
		"tick":           cfg.Polling.Tick().String(),
	})

	bus := events.NewBus(logger)
	var engine *sync.Engine
	bus.Subscribe(events.Appeared, func(ev events.Event) {
		logger.Info("Posts appeared", "source", ev.Source.Slug, "count", len(ev.Posts))
	})
	bus.Subscribe(events.Mention, func(ev events.Event) {
		for _, p := range ev.Posts {
			thread := engine.Graph().Thread(context.Background(), p, false)
			logger.Info("Mentioned",
				"account", ev.Account.Handle(),
				"post", p.ID(),
				"by", p.Author().Handle(),
				"thread", thread.RootOrSelf(p).ID(),
			)
		}
	})

	fmt.Println("Initializing poll engine...")
	engine = sync.New(cfg, bus, nil, logger)
	engine.SetFatalReporter(ops.NewAlertReporter(os.Stderr, logger))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poll engine: %w", err)
	}
	fmt.Printf("  Poll engine started with %d sessions\n", len(engine.Sessions()))

	diagnostics := ops.NewDiagnosticsCollector(version, commit, engine)

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully, send SIGUSR1 for diagnostics...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			fmt.Print(diagnostics.CollectAll().FormatAsText())
			continue
		}
		logger.LogShutdown(sig.String())
		break
	}

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	engine.Stop()
	fmt.Print(diagnostics.CollectAll().FormatAsText())

	fmt.Println("✓ Shutdown complete")
	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(exampleConfig))
}
