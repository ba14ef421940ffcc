// Quarry answers business questions through persona-scoped responders.
//
// It exposes an HTTP API for queries, session memory, cost accounting
// and cache control, and a CLI for one-shot queries. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]) with QUARRY_* environment overrides. A
// .env file in the working directory is loaded first when present.
//
// Usage:
//
//	quarry serve                          Start the API server
//	quarry init [dir]                     Write an example config
//	quarry ask -p <persona> <question>    Answer a single question
//	quarry personas                       List personas and responders
//	quarry version                        Print version and build information
//	quarry -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nugget/quarry/internal/api"
	"github.com/nugget/quarry/internal/buildinfo"
	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/mqtt"
	"github.com/nugget/quarry/internal/orchestrator"
)

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic so
// the lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // text or json
}

// run builds a fresh command tree per call so tests can invoke it
// concurrently without shared flag state.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "quarry",
		Short:         "Quarry - persona-routed business query orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(g, stdout),
		newAskCmd(g, stdout, stderr),
		newPersonasCmd(g, stdout),
		newInitCmd(stdout),
		newVersionCmd(g, stdout),
	)
	return root
}

func newVersionCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runVersion(stdout, g.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with an example config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(stdout, dir)
		},
	}
}

func newPersonasCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List configured personas and their responders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger := slog.New(config.NewHandler(io.Discard, slog.LevelError, "text"))
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if g.output == "json" {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(a.responders.Personas())
			}
			for _, p := range a.responders.Personas() {
				set, err := a.responders.Resolve(p)
				if err != nil {
					continue
				}
				fmt.Fprintln(stdout, p)
				if set.Query != nil {
					fmt.Fprintf(stdout, "  query       %s (%s)\n", set.Query.Name, set.Query.Model)
				}
				if set.Specialist != nil {
					fmt.Fprintf(stdout, "  specialist  %s (%s)\n", set.Specialist.Name, set.Specialist.Model)
				}
			}
			return nil
		},
	}
}

func newAskCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var persona, sessionID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, g, persona, sessionID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "persona to answer as (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (default: generated)")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

// runAsk boots the orchestrator without the HTTP server or background
// loops and answers one question.
func runAsk(ctx context.Context, stdout, stderr io.Writer, g *globalFlags, persona, sessionID, question string) error {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(config.NewHandler(stderr, max(level, slog.LevelWarn), cfg.LogFormat))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.orch.ProcessQuery(ctx, orchestrator.Query{
		Text:      question,
		Persona:   persona,
		SessionID: sessionID,
	})

	if g.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else if resp.Success {
		fmt.Fprintln(stdout, resp.ResponseText)
		fmt.Fprintf(stdout, "\n[%s, %d tokens, $%s]\n", strings.Join(resp.ResponderUsed, "+"), resp.TokensUsed.Total, resp.Cost.StringFixed(6))
	}

	if !resp.Success {
		return fmt.Errorf("ask: %s", resp.Error)
	}
	return nil
}

func newServeCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, g.configPath)
		},
	}
}

// runServe loads config, assembles the orchestrator, starts the
// background loops and the API server, and blocks until ctx is
// cancelled.
//
// Shutdown order:
//  1. ctx cancellation stops the sweeper, expiry, health and MQTT loops
//  2. the API server drains in-flight requests
//  3. MQTT publishes offline availability and disconnects
//  4. databases close via the app's closers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(config.NewHandler(stdout, level, cfg.LogFormat))
	logger.Info("starting Quarry", "version", buildinfo.Version, "commit", buildinfo.Commit(), "built", buildinfo.Built())
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"personas", len(cfg.Personas),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.cache.RunSweeper(ctx, cfg.Cache.SweepInterval)
	go a.sessions.RunExpiry(ctx, expiryInterval(cfg.Sessions.Inactivity))
	a.health.Start(ctx)
	defer func() {
		cancel()
		a.health.Wait()
	}()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.InstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, mqtt.SourceFunc(a.snapshot), a.bus, logger.With("component", "mqtt"))
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Orchestrator: a.orch,
		Responders:   a.responders,
		Memory:       a.memory,
		Ledger:       a.ledger,
		Cache:        a.cache,
		Sessions:     a.sessions,
		Router:       a.router,
		Health:       a.health,
		Bus:          a.bus,
		Logger:       logger,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// expiryInterval scans a few times per inactivity window, bounded to
// [1s, 1m].
func expiryInterval(inactivity time.Duration) time.Duration {
	return min(max(inactivity/4, time.Second), time.Minute)
}

// snapshot feeds the MQTT publisher with today's counters.
func (a *app) snapshot() mqtt.Snapshot {
	totals := a.ledger.DailyTotal(time.Now())
	return mqtt.Snapshot{
		CostToday:        totals.Cost,
		TokensToday:      totals.InputTokens + totals.OutputTokens,
		QueriesToday:     totals.Records + totals.CacheHits,
		CacheHitsToday:   totals.CacheHits,
		ActiveSessions:   a.sessions.Active(),
		ProvidersHealthy: a.health.Healthy(),
	}
}

// loadConfig locates and parses the configuration file. An explicit
// path must exist; otherwise [config.FindConfig] searches the defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
