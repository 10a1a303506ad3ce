package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabapcia/badgewatch/internal/pkg/logger"

	"github.com/urfave/cli/v3"
)

// shutdownTimeout bounds the graceful drain of the HTTP servers.
const shutdownTimeout = 10 * time.Second

// startPipelineCommand returns a CLI command that starts the full ingestion
// pipeline: the notification feed endpoint, the ops endpoint and the
// background webhook retry sweep.
//
// Usage example:
//
//	badgewatch start
//
// The process runs indefinitely until it receives an interrupt (SIGINT or SIGTERM).
func startPipelineCommand(services Services) *cli.Command {
	return &cli.Command{
		Name:        "start",
		Description: "Starts the ingestion pipeline, the notification feed endpoint and the ops endpoint.",
		Usage:       "Initializes and runs the full pipeline. Terminates gracefully on Ctrl+C or termination signals.",
		Action: func(ctx context.Context, c *cli.Command) error {
			quit := make(chan os.Signal, 1)
			defer close(quit)

			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			if err := services.Processor.Start(ctx); err != nil {
				return err
			}
			defer services.Processor.Close()

			errCh := make(chan error, 2)
			go func() { errCh <- services.Feed.Start() }()
			go func() { errCh <- services.Ops.Start() }()

			select {
			case <-quit:
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if err := services.Feed.Stop(shutdownCtx); err != nil {
				logger.Error(shutdownCtx, "feed server shutdown failed", "error", err)
			}
			if err := services.Ops.Stop(shutdownCtx); err != nil {
				logger.Error(shutdownCtx, "ops server shutdown failed", "error", err)
			}

			return nil
		},
	}
}
