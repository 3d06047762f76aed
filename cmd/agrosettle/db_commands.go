package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listFarmsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-farms",
		Usage:   "List farms",
		Aliases: []string{"farms"},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "eligible",
				Aliases: []string{"e"},
				Usage:   "Only farms a pooled settlement would mint to",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var farms []*db.Farm
			if c.Bool("eligible") {
				farms, err = store.ListEligibleFarms(context.Background())
			} else {
				farms, err = store.ListFarms(context.Background())
			}
			if err != nil {
				return fmt.Errorf("failed to list farms: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(farms)
			}

			printFarms(farms)
			fmt.Fprintf(os.Stderr, "\nTotal: %d farms\n", len(farms))
			return nil
		},
	}
}

func upsertFarmCommand() *cli.Command {
	return &cli.Command{
		Name:  "upsert-farm",
		Usage: "Create or update a farm",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Farm ID (UUID); generated when empty"},
			&cli.StringFlag{Name: "name", Usage: "Farm name", Required: true},
			&cli.StringFlag{Name: "status", Usage: "active, inactive or funded", Value: db.FarmStatusActive},
			&cli.StringFlag{Name: "token-id", Usage: "On-chain identity that receives minted tokens"},
			&cli.StringFlag{Name: "payment-address", Usage: "Address direct payments for this farm must go to"},
			&cli.Int64Flag{Name: "token-price", Usage: "Price per token in payment base units"},
			&cli.Int64Flag{Name: "investment-goal", Usage: "Funding goal in payment base units"},
		},
		Action: func(c *cli.Context) error {
			params := db.UpsertFarmParams{
				ID:             c.String("id"),
				Name:           c.String("name"),
				Status:         c.String("status"),
				TokenPrice:     c.Int64("token-price"),
				InvestmentGoal: c.Int64("investment-goal"),
			}
			switch params.Status {
			case db.FarmStatusActive, db.FarmStatusInactive, db.FarmStatusFunded:
			default:
				return fmt.Errorf("invalid status %q", params.Status)
			}
			if v := c.String("token-id"); v != "" {
				if _, err := solanago.PublicKeyFromBase58(v); err != nil {
					return fmt.Errorf("invalid token-id: %w", err)
				}
				params.TokenID = &v
			}
			if v := c.String("payment-address"); v != "" {
				if _, err := solanago.PublicKeyFromBase58(v); err != nil {
					return fmt.Errorf("invalid payment-address: %w", err)
				}
				params.PaymentAddress = &v
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			farm, err := store.UpsertFarm(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to upsert farm: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(farm)
			}
			printFarms([]*db.Farm{farm})
			return nil
		},
	}
}

func listInvestmentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-investments",
		Usage:   "List an investor's investments, newest first",
		Aliases: []string{"investments"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "investor",
				Aliases:  []string{"i"},
				Usage:    "Investor ID",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of investments",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of investments to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			investments, err := store.ListInvestmentsByInvestor(context.Background(), db.ListInvestmentsParams{
				InvestorID: c.String("investor"),
				Limit:      int32(c.Int("limit")),
				Offset:     int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list investments: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(investments)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tMODE\tFARM\tAMOUNT\tTOKENS\tSTATUS\tCREATED")
			for _, inv := range investments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					shortHash(inv.TransactionHash),
					inv.Mode,
					formatOptional(inv.FarmID, "(pool)"),
					inv.Amount,
					inv.TokenQuantity,
					inv.Status,
					inv.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d investments\n", len(investments))
			return nil
		},
	}
}

func getInvestmentCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-investment",
		Usage:     "Get the investment settled by a payment",
		ArgsUsage: "<transaction-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			inv, err := store.GetInvestmentByHash(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get investment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(inv)
			}

			fmt.Printf("ID:            %s\n", inv.ID)
			fmt.Printf("Hash:          %s\n", inv.TransactionHash)
			fmt.Printf("Investor:      %s (%s)\n", inv.InvestorID, inv.InvestorWallet)
			fmt.Printf("Mode:          %s\n", inv.Mode)
			fmt.Printf("Farm:          %s\n", formatOptional(inv.FarmID, "(pool)"))
			fmt.Printf("Amount:        %d\n", inv.Amount)
			fmt.Printf("Tokens:        %d\n", inv.TokenQuantity)
			if inv.Percentage != nil {
				fmt.Printf("Percentage:    %.4f%%\n", *inv.Percentage)
			}
			fmt.Printf("Block:         %d\n", inv.BlockNumber)
			fmt.Printf("Status:        %s\n", inv.Status)
			fmt.Printf("Created:       %s\n", inv.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Get the ledger transaction for a payment",
		Aliases:   []string{"tx"},
		ArgsUsage: "<transaction-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txn, err := store.GetTransactionByHash(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txn)
			}

			fmt.Printf("ID:         %s\n", txn.ID)
			fmt.Printf("Hash:       %s\n", txn.TransactionHash)
			fmt.Printf("Type:       %s\n", txn.Type)
			fmt.Printf("From:       %s (%s)\n", txn.FromID, txn.FromWallet)
			fmt.Printf("To:         %s (%s)\n", formatOptional(txn.ToID, "(pool)"), txn.ToWallet)
			fmt.Printf("Amount:     %d\n", txn.Amount)
			fmt.Printf("Block:      %d\n", txn.BlockNumber)
			if txn.BlockTime != nil {
				fmt.Printf("Block Time: %s\n", txn.BlockTime.Format(time.RFC3339))
			}
			fmt.Printf("Status:     %s\n", txn.Status)

			var metadata any
			if err := json.Unmarshal(txn.Metadata, &metadata); err == nil {
				pretty, _ := json.MarshalIndent(metadata, "            ", "  ")
				fmt.Printf("Metadata:   %s\n", pretty)
			}
			return nil
		},
	}
}

func printFarms(farms []*db.Farm) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTOKEN ID\tRAISED\tGOAL\tINVESTORS")
	for _, f := range farms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			f.ID,
			f.Name,
			f.Status,
			formatOptional(f.TokenID, "(none)"),
			f.CurrentInvestment,
			f.InvestmentGoal,
			f.InvestorsCount,
		)
	}
	w.Flush()
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

// shortHash abbreviates a base58 signature for table output.
func shortHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "…" + hash[len(hash)-8:]
}
