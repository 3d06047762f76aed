package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/agrosettle/client"
	"github.com/urfave/cli/v2"
)

func settleCommands() *cli.Command {
	return &cli.Command{
		Name:  "settle",
		Usage: "Settlement commands (HTTP API)",
		Subcommands: []*cli.Command{
			settleDirectCommand(),
			settlePooledCommand(),
			awaitCommand(),
			streamCommand(),
		},
	}
}

func settlementFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "investor", Aliases: []string{"i"}, Usage: "Investor ID", Required: true},
		&cli.StringFlag{Name: "wallet", Aliases: []string{"w"}, Usage: "Investor wallet that sent the payment", Required: true},
		&cli.StringFlag{Name: "hash", Usage: "Payment transaction hash", Required: true},
		&cli.Int64Flag{Name: "tokens", Aliases: []string{"t"}, Usage: "Number of tokens purchased", Required: true},
		&cli.DurationFlag{Name: "timeout", Usage: "How long to wait for the settlement", Value: 10 * time.Minute},
	}
}

func settleDirectCommand() *cli.Command {
	return &cli.Command{
		Name:  "direct",
		Usage: "Settle a payment for a single farm",
		Flags: append(settlementFlags(),
			&cli.StringFlag{Name: "farm", Aliases: []string{"f"}, Usage: "Farm ID", Required: true},
		),
		Action: func(c *cli.Context) error {
			return runSettle(c, client.SettleRequest{
				Mode:            "direct",
				FarmID:          c.String("farm"),
				InvestorID:      c.String("investor"),
				TokenAmount:     c.Int64("tokens"),
				TransactionHash: c.String("hash"),
				WalletAddress:   c.String("wallet"),
			})
		},
	}
}

func settlePooledCommand() *cli.Command {
	return &cli.Command{
		Name:  "pooled",
		Usage: "Settle a payment split across all eligible farms",
		Flags: settlementFlags(),
		Action: func(c *cli.Context) error {
			return runSettle(c, client.SettleRequest{
				Mode:            "pooled",
				InvestorID:      c.String("investor"),
				TokenAmount:     c.Int64("tokens"),
				TransactionHash: c.String("hash"),
				WalletAddress:   c.String("wallet"),
			})
		},
	}
}

func runSettle(c *cli.Context, req client.SettleRequest) error {
	cl := newAPIClient(c)

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	result, err := cl.Settle(ctx, req)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.InvestmentID != "" {
			return fmt.Errorf("settlement partially recorded (investment %s): %w", apiErr.InvestmentID, err)
		}
		return fmt.Errorf("settlement failed: %w", err)
	}

	if c.Bool("json") {
		return outputJSON(result)
	}

	printSettlement(result)

	if failed := result.FailedMints(); len(failed) > 0 {
		return fmt.Errorf("%d of %d mints failed", len(failed), len(result.MintBreakdown))
	}
	return nil
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:  "await",
		Usage: "Block until a matching settlement completes",
		Description: `Wait for a settlement event on the server's SSE stream.

Every --must-jq expression is evaluated against the event JSON and must be truthy.

Example:
  agrosettle settle await --mode pooled --must-jq '.mints_failed > 0'`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Usage: "Only direct or pooled settlements"},
			&cli.StringFlag{Name: "hash", Usage: "Payment transaction hash to wait for"},
			&cli.StringSliceFlag{Name: "must-jq", Usage: "jq expression that must be truthy (repeatable)"},
			&cli.DurationFlag{Name: "timeout", Usage: "How long to wait", Value: 5 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			hash := c.String("hash")
			jqFilters := c.StringSlice("must-jq")
			if hash == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --hash or --must-jq")
			}

			filter, err := newEventFilter(hash, jqFilters)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for settlement (timeout %v)...\n", c.Duration("timeout"))
			}

			event, err := newAPIClient(c).Await(ctx, c.String("mode"), func(e *client.SettlementEvent) bool {
				return filter.Match(e.TransactionHash, e)
			})
			if err != nil {
				return fmt.Errorf("failed to await settlement: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(event)
			}
			printSettlementEvent(event)
			return nil
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream settlements via SSE (HTTP)",
		ArgsUsage: "[mode]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "must-jq", Usage: "jq expression that must be truthy (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			filter, err := newEventFilter("", c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming settlements... (Ctrl+C to stop)\n\n")
			}

			// Await with a matcher that never accepts turns the call into a stream.
			_, err = newAPIClient(c).Await(ctx, c.Args().First(), func(e *client.SettlementEvent) bool {
				if !filter.Match(e.TransactionHash, e) {
					return false
				}
				if jsonOutput {
					data, _ := json.Marshal(e)
					fmt.Println(string(data))
				} else {
					printSettlementEvent(e)
				}
				return false
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading settlement stream: %w", err)
			}
			return nil
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func printSettlement(result *client.Settlement) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("✓ Settlement Recorded")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Hash:        %s\n", result.TransactionHash)
	if inv := result.Investment; inv != nil {
		fmt.Printf("Investment:  %s\n", inv.ID)
		fmt.Printf("Mode:        %s\n", inv.Mode)
		fmt.Printf("Amount:      %d\n", inv.Amount)
		fmt.Printf("Tokens:      %d\n", inv.TokenQuantity)
	}
	fmt.Printf("Recipients:  %d\n", result.RecipientsSupported)
	if result.Remainder > 0 {
		fmt.Printf("Remainder:   %d (not minted)\n", result.Remainder)
	}
	for _, m := range result.MintBreakdown {
		if m.Succeeded {
			fmt.Printf("  ✓ %s  %d  %s\n", m.Recipient, m.Amount, m.TransactionHash)
		} else {
			fmt.Printf("  ✗ %s  %d  %s\n", m.Recipient, m.Amount, m.Error)
		}
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printSettlementEvent(e *client.SettlementEvent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Hash:        %s\n", e.TransactionHash)
	fmt.Printf("Mode:        %s\n", e.Mode)
	fmt.Printf("Investor:    %s (%s)\n", e.InvestorID, e.WalletAddress)
	if e.FarmID != nil {
		fmt.Printf("Farm:        %s\n", *e.FarmID)
	}
	fmt.Printf("Amount:      %d\n", e.Amount)
	fmt.Printf("Mints:       %d succeeded, %d failed\n", e.MintsSucceeded, e.MintsFailed)
	if e.Remainder > 0 {
		fmt.Printf("Remainder:   %d\n", e.Remainder)
	}
	fmt.Printf("Settled:     %s\n", e.SettledAt.Format(time.RFC3339))
	fmt.Println()
}
