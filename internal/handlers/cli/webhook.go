package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/webhook"

	"github.com/urfave/cli/v3"
)

// webhookCommand groups the webhook target management subcommands.
//
// Usage examples:
//
//	badgewatch webhook add --url https://hooks.example.com/badges --event badge_mint --secret s3cret
//	badgewatch webhook list
//	badgewatch webhook reactivate --id 4f1c...
func webhookCommand(wh webhook.Service) *cli.Command {
	return &cli.Command{
		Name:        "webhook",
		Description: "Manage outbound webhook targets.",
		Usage:       "badgewatch webhook [subcommand] [flags]",
		Commands: []*cli.Command{
			addWebhookCommand(wh),
			listWebhooksCommand(wh),
			reactivateWebhookCommand(wh),
		},
	}
}

func addWebhookCommand(wh webhook.Service) *cli.Command {
	return &cli.Command{
		Name:        "add",
		Description: "Register a webhook target. The URL must use https.",
		Usage:       "Registers a target for one or more event types, optionally narrowed by category and level.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Target URL (https only)",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "event",
				Usage:    "Event type to deliver (repeatable): badge_mint, badge_revocation, badge_metadata_update, community_creation",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "secret",
				Usage: "Per-target secret used to sign payloads",
			},
			&cli.StringSliceFlag{
				Name:  "category",
				Usage: "Badge category filter (repeatable); empty receives every category",
			},
			&cli.StringSliceFlag{
				Name:  "level",
				Usage: "Badge level filter (repeatable); empty receives every level",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			eventTypes := make([]event.Type, 0, len(c.StringSlice("event")))
			for _, raw := range c.StringSlice("event") {
				eventTypes = append(eventTypes, event.Type(raw))
			}

			target, err := wh.RegisterWebhook(ctx, webhook.Target{
				URL:        c.String("url"),
				EventTypes: eventTypes,
				Secret:     c.String("secret"),
				Categories: c.StringSlice("category"),
				Levels:     c.StringSlice("level"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("registered webhook %s\n", target.ID)
			return nil
		},
	}
}

func listWebhooksCommand(wh webhook.Service) *cli.Command {
	return &cli.Command{
		Name:        "list",
		Description: "List every registered webhook target, active or not.",
		Usage:       "Prints the targets as JSON.",
		Action: func(ctx context.Context, c *cli.Command) error {
			targets, err := wh.Targets(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(targets)
		},
	}
}

func reactivateWebhookCommand(wh webhook.Service) *cli.Command {
	return &cli.Command{
		Name:        "reactivate",
		Description: "Reactivate a target deactivated after repeated delivery failures.",
		Usage:       "Clears the failure count and reenables delivery.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Target id to reactivate",
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return wh.Reactivate(ctx, c.String("id"))
		},
	}
}
