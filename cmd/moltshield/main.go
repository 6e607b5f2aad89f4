package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/config"
	"github.com/raaihank/moltshield/internal/gatekeeper"
	"github.com/raaihank/moltshield/internal/logger"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/vault"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"scan", "Generate a policy from a sample XML document", runScan},
	{"sanitize", "Sanitize XML files and record their values in a vault", runSanitize},
	{"rehydrate", "Restore vault values into an XML, JSON or text artifact", runRehydrate},
	{"vault-info", "Show vault sessions without revealing values", runVaultInfo},
	{"policies", "List policy files", runPolicies},
	{"serve", "Start the HTTP tool server", runServe},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	switch name {
	case "version", "-version", "--version":
		fmt.Printf("moltshield %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "-h", "--help":
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		err := c.run(ctx, os.Args[2:])
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "  %-11s %s\n", "version", "Show version information")
	fmt.Fprintf(os.Stderr, "\nRun '%s <command> -h' for command options.\n", os.Args[0])
}

// app holds what every command needs after flag parsing.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.Logger
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	return fs, configPath
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &app{configPath: configPath, cfg: cfg, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

// openManager connects to the configured vault backend.
func (a *app) openManager() (*vault.Manager, error) {
	store, err := vault.NewStore(&a.cfg.Vault, a.log.WithComponent("vault").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault store: %w", err)
	}
	return vault.NewManager(store, a.log.WithComponent("vault").Logger), nil
}

// loadEngine reads the policy at path, falling back to the configured one.
func (a *app) loadEngine(path string) (*policy.Engine, error) {
	if path == "" {
		path = a.cfg.Policy.Path
	}
	p, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("no usable policy at %s (run 'moltshield scan <file.xml>' to generate one): %w", path, err)
	}
	return policy.NewEngine(p, policy.WithDefaultShadows(a.cfg.ShadowMap))
}

// newTransformer applies the masking and shuffling settings of cfg.
func newTransformer(cfg *config.Config, engine *policy.Engine, log *zap.Logger, extra ...gatekeeper.Option) (*gatekeeper.Transformer, error) {
	re, err := gatekeeper.CompileValuePattern(cfg.Masking.ValuePattern)
	if err != nil {
		return nil, err
	}
	opts := []gatekeeper.Option{
		gatekeeper.WithPrefix(cfg.Masking.Prefix),
		gatekeeper.WithValuePattern(re),
		gatekeeper.WithPreserveAttributes(cfg.Masking.PreserveAttributes...),
		gatekeeper.WithShuffling(cfg.Shuffling.Enabled),
		gatekeeper.WithLogger(log),
	}
	return gatekeeper.New(engine, append(opts, extra...)...)
}

// flagSet reports whether name was given on the command line.
func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
