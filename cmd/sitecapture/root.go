package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/app"
	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/config"
	"github.com/JakeFAU/site-capture/internal/logging"
)

// cli carries state shared by the subcommands.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger

	// newCapturer builds the capture pipeline. Tests replace it.
	newCapturer func(ctx context.Context, cfg config.Config, logger *zap.Logger) (capturer, error)
}

// capturer is a capture pipeline plus its lifecycle.
type capturer interface {
	Capture(ctx context.Context, req capture.Request) (capture.Artifact, error)
	Destination(bucket, prefix string) capture.Destination
	Ready(ctx context.Context) error
	Close()
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (capturer, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&cli{newCapturer: buildApp})
}

func newRootCmdFor(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitecapture",
		Short: "Capture web pages as self-contained, re-hosted snapshots.",
		Long: `sitecapture fetches a page (falling back to headless Chrome when the
origin blocks plain HTTP), extracts its theme, re-hosts every asset it
references into a blob store, and stores the original and rewritten markup.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.load()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); env vars use the CAPTURE_ prefix")
	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newCaptureCmd(c))
	return cmd
}

func (c *cli) load() error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.cfg = cfg
	c.logger = logger
	return nil
}
