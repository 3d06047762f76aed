package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/agrosettle/service/temporal"
	"github.com/urfave/cli/v2"
)

func listSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-settlements",
		Usage:   "List recent settlement workflows",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of workflows",
				Value:   100,
			},
		},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			executions, err := temporalClient.ListSettlements(context.Background(), int32(c.Int("limit")))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(executions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW ID\tSTATUS\tSTARTED\tDURATION")
			for _, exec := range executions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					exec.WorkflowID,
					exec.Status,
					exec.StartTime.Format(time.RFC3339),
					formatDuration(exec),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d settlements\n", len(executions))
			return nil
		},
	}
}

func describeSettlementCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-settlement",
		Usage:     "Describe the settlement workflow for a payment",
		Aliases:   []string{"desc"},
		ArgsUsage: "<transaction-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			exec, err := temporalClient.DescribeSettlement(context.Background(), c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(exec)
			}

			fmt.Printf("Workflow ID: %s\n", exec.WorkflowID)
			fmt.Printf("Run ID:      %s\n", exec.RunID)
			fmt.Printf("Status:      %s\n", exec.Status)
			fmt.Printf("Started:     %s\n", exec.StartTime.Format(time.RFC3339))
			if exec.CloseTime != nil {
				fmt.Printf("Closed:      %s\n", exec.CloseTime.Format(time.RFC3339))
			}
			fmt.Printf("Duration:    %s\n", formatDuration(*exec))
			return nil
		},
	}
}

// formatDuration renders how long a run took, or "running" while open.
func formatDuration(exec temporal.SettlementExecution) string {
	if exec.CloseTime == nil {
		return "running"
	}
	return exec.CloseTime.Sub(exec.StartTime).Round(time.Millisecond).String()
}

// getTemporalClient connects using the global temporal flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	temporalClient, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return temporalClient, nil
}
