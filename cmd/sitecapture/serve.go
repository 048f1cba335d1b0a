package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/api"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	svc, err := c.newCapturer(ctx, c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("initialize capture service: %w", err)
	}
	defer svc.Close()

	apiServer := api.NewServer(svc, api.Options{
		Defaults:       svc.Destination("", ""),
		RequestTimeout: c.cfg.Server.RequestTimeout,
		APIKey:         apiKey(c.cfg.Auth.Enabled, c.cfg.Auth.APIKey),
		Ready:          svc.Ready,
	}, c.logger)

	port := listenPort(c.cfg.Server.Port)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	c.logger.Info("shutdown initiated")

	// In-flight captures get their full budget to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.RequestTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("server shutdown error", zap.Error(err))
	}
	c.logger.Info("shutdown complete")
	return nil
}

func apiKey(enabled bool, key string) string {
	if !enabled {
		return ""
	}
	return key
}

// listenPort prefers PORT, which Cloud Run sets.
func listenPort(configured int) int {
	if raw := os.Getenv("PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			return p
		}
	}
	return configured
}
