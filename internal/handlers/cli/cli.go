// Package cli wires the badgewatch services into the command-line surface.
package cli

import (
	"context"
	"os"

	"github.com/gabapcia/badgewatch/internal/eventproc"
	"github.com/gabapcia/badgewatch/internal/handlers/httpfeed"
	"github.com/gabapcia/badgewatch/internal/infra/ops"
	"github.com/gabapcia/badgewatch/internal/registry"
	"github.com/gabapcia/badgewatch/internal/webhook"

	"github.com/urfave/cli/v3"
)

// Services bundles everything the commands operate on.
type Services struct {
	Processor eventproc.Service
	Registry  registry.Service
	Webhooks  webhook.Service
	Feed      *httpfeed.Server
	Ops       *ops.Server
}

// Run initializes and executes the badgewatch CLI application.
//
// It registers all available commands, including:
//
//   - `start`: Starts the ingestion pipeline and the HTTP servers.
//   - `webhook`: Manages outbound webhook targets.
//   - `predicate`: Manages chain-event match predicates.
func Run(ctx context.Context, services Services) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "badgewatch",
		Description:           "Command-line interface for managing and running the Badgewatch pipeline.",
		Usage:                 "badgewatch [command] [flags]",
		Commands: []*cli.Command{
			startPipelineCommand(services),
			webhookCommand(services.Webhooks),
			predicateCommand(services.Registry),
		},
	}

	return app.Run(ctx, os.Args)
}
