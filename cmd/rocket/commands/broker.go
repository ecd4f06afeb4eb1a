package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/config"
	"github.com/BranchIntl/rocket/core"
	"github.com/BranchIntl/rocket/engines"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbosity  int
)

// AddGlobalFlags adds the flags every command shares
func AddGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (defaults when empty)")
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// broker is a connected engine. Every command runs with the standard
// plugins, and the relay when enabled, so changes made from the command
// line keep indexes, history and subscribers current.
type broker struct {
	*engines.RocketEngine
	r *rocket.Rocket
}

// withBroker runs fn with a connected broker
func withBroker(cmd *cobra.Command, fn func(ctx context.Context, b *broker) error, engineOptions ...core.EngineOption) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr)

	options := engines.DefaultOptions()
	options.Config = cfg
	options.Logger = logger
	options.EngineOptions = engineOptions

	engine, err := engines.NewRocketEngine(options)
	if err != nil {
		return err
	}
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("Failed to close connections", "error", err)
		}
	}()

	return fn(ctx, &broker{RocketEngine: engine, r: engine.Rocket()})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
