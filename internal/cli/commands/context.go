// Package commands implements the leapflow subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/internal/config"
	"github.com/leapstack-labs/leapflow/internal/pipeline"
)

type configKey struct{}

type loggerKey struct{}

// WithConfig stores the loaded configuration and logger in ctx.
func WithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) context.Context {
	ctx = context.WithValue(ctx, configKey{}, cfg)
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetConfig retrieves the config from the command context.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return nil
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Renderer *Renderer
}

// NewCommandContext assembles the pipeline for a command.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cfg := GetConfig(cmd.Context())
	if cfg == nil {
		return nil, nil, fmt.Errorf("configuration not loaded")
	}
	logger := GetLogger(cmd.Context())
	r, err := newRenderer(cmd)
	if err != nil {
		return nil, nil, err
	}

	p, err := pipeline.New(cmd.Context(), cfg, pipeline.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := p.Close(); err != nil {
			logger.Warn("failed to close pipeline", slog.String("error", err.Error()))
		}
	}
	return &CommandContext{Cfg: cfg, Logger: logger, Pipeline: p, Renderer: r}, cleanup, nil
}

// warmUp brings derived tables up to date. Derived content lives in memory,
// so one-shot commands rebuild it from the rehydrated raw tables.
func (c *CommandContext) warmUp(ctx context.Context) error {
	if _, err := c.Pipeline.Views().Tick(ctx); err != nil {
		return fmt.Errorf("failed to refresh derived tables: %w", err)
	}
	return nil
}

func (c *CommandContext) out() io.Writer { return c.Renderer.w }
