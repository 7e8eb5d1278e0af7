package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/config"
	"github.com/andresmejia3/idproof/internal/logging"
	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/store"
)

// skipDB marks commands that never touch the database.
const skipDB = "skip-db"

var (
	// DB is the global store shared by subcommands
	DB store.Backend
	// Cfg is the resolved configuration (defaults < file < env < flags)
	Cfg *config.Config
	// Metrics is shared by every component built by a subcommand
	Metrics = metrics.New()

	configPath string
	dbURL      string
	logLevel   string
	logFormat  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "idproof",
	Short:   "Identity document capture & face matching",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		Cfg = cfg

		if _, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
			return err
		}

		if cmd.Annotations[skipDB] == "true" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.DB, store.Options{Model: cfg.Engine.Model})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the pool.
			DB.Close(context.Background())
		}
	},
}

// loadConfig layers the config file, the environment and explicit flags over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DB = dbURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Lookup("threshold") != nil && flags.Changed("threshold") {
		t, _ := flags.GetFloat64("threshold")
		cfg.Match.Threshold = t
	}

	// Fallback to local default if nothing was configured
	if cfg.DB == "" {
		cfg.DB = "postgres://localhost:5432/idproof"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL: postgres://... or sqlite:///path (default: postgres://localhost:5432/idproof)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}
