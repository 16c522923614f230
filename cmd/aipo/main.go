// aipo is an automated safety, security, and compliance evaluator for LLM
// targets: it drives suites of adversarial prompts against a model, scores
// the responses with pluggable judges, aggregates attack-success metrics with
// confidence intervals, and gates releases on policy thresholds.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/version"
)

// Global flags.
var (
	flagConfig    string
	flagOutputDir string
	flagLogLevel  string
)

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:     "aipo",
	Short:   "LLM safety and compliance evaluator",
	Long:    "aipo runs adversarial test suites against LLM targets, judges the\nresponses, computes attack-success metrics with confidence intervals, and\nevaluates release gates over the results.",
	Version: version.Full(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(flagLogLevel)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func setupLogging(level string) error {
	if level == "" {
		level = os.Getenv(config.EnvLogLevel)
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return exitWith(gate.ExitUsage, fmt.Errorf("unknown log level %q", level))
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig resolves the effective configuration for a command, mapping load
// and validation failures to usage-error exits.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Initialize(ctx, flagConfig)
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to aipo.yaml (default: ./aipo.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagOutputDir, "output-dir", "", "output directory (default: $AIPO_OUTPUT_DIR or ./aipo-out)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error")

	rootCmd.AddCommand(
		newRunCmd(),
		newGateCmd(),
		newVerifySuiteCmd(),
		newVerifyEvidenceCmd(),
		newSessionsCmd(),
		newListConversationsCmd(),
		newReplayConversationCmd(),
		newDoctorCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(gate.ExitUsage)
	}
}
