package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/logging"
	"github.com/hpungsan/devmem/internal/metrics"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a short banner when run interactively without args.
func printBanner() {
	fmt.Println(`
  devmem: developer memory correlation

  Usage: devmem [--backend live|memory] [--dataset NAME] <command> [options]
         devmem --help`)
}

// newEnv loads configuration and opens the local ledger in baseDir.
// Repo-level config found upward from the working directory overrides the
// global file.
func newEnv(baseDir string) (*env, error) {
	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	db.ConfigurePool(database, cfg)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	policy, err := classify.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load classification policy: %w", err)
	}
	classifier, err := classify.New(policy)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid classification policy: %w", err)
	}

	return &env{
		db:         database,
		cfg:        cfg,
		logger:     logger,
		classifier: classifier,
		policy:     policy,
		metrics:    metrics.NewCollector(),
	}, nil
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if len(os.Args) < 2 || isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}

	e, err := newEnv(filepath.Join(homeDir, ".devmem"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := newCLIApp(e)
	runErr := app.Run(os.Args)
	_ = e.logger.Sync()
	e.db.Close()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
