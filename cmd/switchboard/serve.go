package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/app"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfgPath)
		},
	}
}

func runServe(cfgPath string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := a.Start(context.Background()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		cancel()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
