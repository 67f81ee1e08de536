package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"convene/internal/analyze"
	"convene/internal/capability"
	"convene/internal/config"
	"convene/internal/container"
	"convene/internal/engine"
	"convene/internal/executor"
	"convene/internal/natsbus"
	"convene/internal/oracle"
	"convene/internal/registry"
	"convene/internal/scheduler"
	"convene/internal/selector"
	"convene/internal/store"
	"convene/internal/vault"
	"convene/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("convene %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: convene <command>\n\nCommands:\n  gateway    Start the convene gateway service\n  backup     Archive the data directory\n  restore    Restore a data directory archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting convene gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	// Secret vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// Capability hierarchy
	caps := capability.NewRegistry()
	if err := seedCapabilities(caps, cfg.Capabilities); err != nil {
		return fmt.Errorf("seed capabilities: %w", err)
	}
	matcher := capability.NewMatcher(caps, cfg.Engine.MatchThreshold)

	// Agent registry
	reg := registry.New(db)
	if err := reg.Sync(cfg.Agents); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	slog.Info("agent registry synced", "agents", reg.Len())

	// Oracle over NATS, with retry on the scoring path
	remote := oracle.NewNATSOracle(client, cfg.Oracle.Timeout)
	scorer := oracle.WithRetry(remote, cfg.Oracle.MaxRetries, cfg.Oracle.RetryBackoff)

	analyzer := analyze.New(caps, matcher, scorer, slog.Default())

	// Container manager and executor
	ctrMgr, err := container.NewManager(cfg.Executor)
	if err != nil {
		return fmt.Errorf("init container manager: %w", err)
	}
	if err := ctrMgr.CleanupStale(ctx); err != nil {
		slog.Warn("stale container cleanup failed", "error", err)
	}
	exec := executor.New(ctrMgr, bus, client, db, v, cfg.Executor, cfg.Agents)

	eng := engine.New(engine.Options{
		Engine:   cfg.Engine,
		Router:   cfg.Router,
		Analyzer: analyzer,
		Selector: selector.New(),
		Registry: reg,
		Store:    db,
		Events:   client,
		Decider:  remote,
		Planner:  remote,
		Executor: exec,
	})

	// Scheduler
	sched := scheduler.New(db, eng, client, cfg.Scheduler)
	go sched.Start(ctx)

	// Web UI and API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, eng, reg, caps, ctrMgr, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	ctrMgr.StopAll(context.Background())
	return nil
}

func seedCapabilities(caps *capability.Registry, defs map[string]config.CapabilityDefinition) error {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		err := caps.Register(capability.Capability{
			Name:        name,
			Description: def.Description,
			Domain:      def.Domain,
			Parent:      def.Parent,
			Requires:    def.Requires,
			Examples:    def.Examples,
		})
		if err != nil {
			return fmt.Errorf("capability %s: %w", name, err)
		}
	}
	return nil
}
