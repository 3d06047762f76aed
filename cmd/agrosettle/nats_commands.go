package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/agrosettle/service/nats"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams settlement events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to settlement events",
		ArgsUsage: "[mode]",
		Description: `Subscribe to real-time settlement events published to NATS JetStream.

Events are published to the subject: settlements.{mode}
Omit the mode to receive both direct and pooled settlements.

Example:
  agrosettle nats subscribe pooled --must-jq '.mints_failed > 0' --json`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "must-jq", Usage: "jq expression that must be truthy (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			mode := c.Args().First()
			if mode != "" && mode != "direct" && mode != "pooled" {
				return fmt.Errorf("mode must be direct or pooled, got %q", mode)
			}

			filter, err := newEventFilter("", c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, err := sub.Subscribe(ctx, mode)
			if err != nil {
				return err
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Printf("📡 Subscribing to: %s\n", natspkg.SubjectForMode(mode))
				fmt.Printf("   NATS: %s\n", c.String("nats-url"))
				fmt.Printf("\nWaiting for settlements... (Ctrl-C to exit)\n\n")
			}

			count := 0
			for {
				select {
				case event := <-events:
					if event == nil || !filter.Match(event.TransactionHash, event) {
						continue
					}
					count++
					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Println(string(data))
						continue
					}
					fmt.Printf("Settlement #%d\n", count)
					printNATSEvent(event)

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Printf("\n✅ Received %d settlements\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the SETTLEMENTS JetStream stream",
		Action: func(c *cli.Context) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			info, err := sub.StreamInfo(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Dedupe:       %s\n", info.Config.Duplicates)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}

func printNATSEvent(e *natspkg.SettlementEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Hash:         %s\n", e.TransactionHash)
	fmt.Printf("Mode:         %s\n", e.Mode)
	fmt.Printf("Investor:     %s\n", e.InvestorID)
	fmt.Printf("Amount:       %d\n", e.Amount)
	fmt.Printf("Recipients:   %d\n", e.RecipientsSupported)
	fmt.Printf("Mints:        %d ok / %d failed\n", e.MintsSucceeded, e.MintsFailed)
	fmt.Printf("Investment:   %s\n", e.InvestmentID)
	fmt.Printf("\n")
}
