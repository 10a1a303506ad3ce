package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gabapcia/badgewatch/internal/registry"

	"github.com/urfave/cli/v3"
)

// predicateCommand groups the predicate management subcommands.
//
// Usage examples:
//
//	badgewatch predicate add --name mints --type contract-call --network devnet --contract SP000.badges --method mint-badge
//	badgewatch predicate list
func predicateCommand(reg registry.Service) *cli.Command {
	return &cli.Command{
		Name:        "predicate",
		Description: "Manage chain-event match predicates.",
		Usage:       "badgewatch predicate [subcommand] [flags]",
		Commands: []*cli.Command{
			addPredicateCommand(reg),
			listPredicatesCommand(reg),
		},
	}
}

func addPredicateCommand(reg registry.Service) *cli.Command {
	return &cli.Command{
		Name:        "add",
		Description: "Register a predicate matching contract calls, print events or whole blocks.",
		Usage:       "Creates an active predicate. Matching starts immediately.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Human-readable predicate name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "type",
				Usage:    "Predicate type: contract-call, print-event or block",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "network",
				Usage:    "Network the predicate applies to: mainnet, testnet or devnet",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "contract",
				Usage: "Contract identifier to match; empty watches every contract",
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "Contract-call method name to match",
			},
			&cli.StringFlag{
				Name:  "topic",
				Usage: "Print-event topic to match",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			predicate, err := reg.CreatePredicate(ctx, registry.Predicate{
				Name:    c.String("name"),
				Type:    registry.CallType(c.String("type")),
				Network: c.String("network"),
				IfThis: registry.MatchCriteria{
					ContractIdentifier: c.String("contract"),
					Method:             c.String("method"),
					PrintEventType:     c.String("topic"),
				},
				Active: true,
			})
			if err != nil {
				return err
			}

			fmt.Printf("registered predicate %s\n", predicate.UUID)
			return nil
		},
	}
}

func listPredicatesCommand(reg registry.Service) *cli.Command {
	return &cli.Command{
		Name:        "list",
		Description: "List every registered predicate, active or not.",
		Usage:       "Prints the predicates as JSON.",
		Action: func(ctx context.Context, c *cli.Command) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Predicates(ctx))
		},
	}
}
