package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-capture/internal/capture"
)

func newCaptureCmd(c *cli) *cobra.Command {
	var bucket, prefix string
	cmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Capture one page and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.captureOnce(cmd, args[0], bucket, prefix)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "destination bucket (default storage.bucket)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "destination key prefix (default storage.prefix)")
	return cmd
}

func (c *cli) captureOnce(cmd *cobra.Command, target, bucket, prefix string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := c.newCapturer(ctx, c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("initialize capture service: %w", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Server.RequestTimeout)
	defer cancel()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	art, err := svc.Capture(ctx, capture.Request{
		TargetURL:   target,
		Destination: svc.Destination(bucket, prefix),
	})
	if err != nil {
		if encErr := enc.Encode(capture.ErrorPayload(err)); encErr != nil {
			return fmt.Errorf("write result: %w", encErr)
		}
		return err
	}
	if err := enc.Encode(art.Payload()); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
