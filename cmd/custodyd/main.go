package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/custody-switch/cmd/custodycommon"
	"github.com/ruteri/custody-switch/cmd/flags"
	"github.com/ruteri/custody-switch/httpserver"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "custodyd",
		Usage: "Watch owner activity and hand custody over to successors after prolonged inactivity",
		Flags: append(flags.CommonFlags, flags.LogServiceFlagFn("custodyd")),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			c, err := custodycommon.Setup(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up services", "err", err)
				return err
			}
			defer c.Close()

			var retrievals httpserver.RetrievalService
			if c.Grants != nil {
				retrievals = c.Grants
			} else {
				logger.Warn("No grant secret configured, share retrieval is disabled")
			}

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, c.Config.Server), c.Monitor, retrievals)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server.RunInBackground()

			interval := c.Config.Monitor.Interval
			if interval > 0 {
				go func() {
					if err := c.Monitor.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("Inactivity monitor stopped", "err", err)
					}
				}()
			} else {
				logger.Info("Internal sweep disabled, waiting for POST /internal/sweep")
			}

			logger.Info("Server is running, press Ctrl+C to stop")
			<-ctx.Done()
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
