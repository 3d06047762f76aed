package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/agrosettle/service/db"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// farmSeed is one entry of a farms file.
type farmSeed struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	TokenID        *string `json:"token_id"`
	PaymentAddress *string `json:"payment_address"`
	TokenPrice     int64   `json:"token_price"`
	InvestmentGoal int64   `json:"investment_goal"`
}

// Applies the schema and optionally upserts farms from a JSON file.
func main() {
	envFile := flag.String("env", ".env", "optional env file")
	farmsFile := flag.String("farms", "", "JSON array of farms to upsert")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting migration")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	// Connect to database
	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	applied, err := db.RunMigrations(ctx, dbPool)
	if err != nil {
		logger.Error("migration failed", "applied", applied, "error", err)
		os.Exit(1)
	}
	logger.Info("schema up to date", "migrations", applied)

	if *farmsFile == "" {
		return
	}

	seeds, err := readFarms(*farmsFile)
	if err != nil {
		logger.Error("failed to read farms file", "path", *farmsFile, "error", err)
		os.Exit(1)
	}
	logger.Info("found farms to upsert", "count", len(seeds))

	store := db.NewStore(dbPool)
	successCount := 0
	errorCount := 0

	for _, seed := range seeds {
		if err := validateSeed(seed); err != nil {
			logger.Error("invalid farm, skipping", "name", seed.Name, "error", err)
			errorCount++
			continue
		}

		farm, err := store.UpsertFarm(ctx, db.UpsertFarmParams{
			ID:             seed.ID,
			Name:           seed.Name,
			Status:         seed.Status,
			TokenID:        seed.TokenID,
			PaymentAddress: seed.PaymentAddress,
			TokenPrice:     seed.TokenPrice,
			InvestmentGoal: seed.InvestmentGoal,
		})
		if err != nil {
			logger.Error("failed to upsert farm", "name", seed.Name, "error", err)
			errorCount++
			continue
		}

		logger.Info("upserted farm",
			"id", farm.ID,
			"name", farm.Name,
			"status", farm.Status,
			"eligible", farm.Eligible(),
		)
		successCount++
	}

	logger.Info("farm seeding complete",
		"total", len(seeds),
		"success", successCount,
		"errors", errorCount,
	)

	if errorCount > 0 {
		os.Exit(1)
	}
}

func readFarms(path string) ([]farmSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []farmSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("decode farms: %w", err)
	}
	return seeds, nil
}

// validateSeed checks that on-chain identities are well-formed public keys.
func validateSeed(seed farmSeed) error {
	if seed.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch seed.Status {
	case "", db.FarmStatusActive, db.FarmStatusInactive, db.FarmStatusFunded:
	default:
		return fmt.Errorf("unknown status %q", seed.Status)
	}
	if seed.TokenPrice < 0 || seed.InvestmentGoal < 0 {
		return fmt.Errorf("token_price and investment_goal cannot be negative")
	}
	if seed.TokenID != nil && *seed.TokenID != "" {
		if _, err := solanago.PublicKeyFromBase58(*seed.TokenID); err != nil {
			return fmt.Errorf("invalid token_id: %w", err)
		}
	}
	if seed.PaymentAddress != nil && *seed.PaymentAddress != "" {
		if _, err := solanago.PublicKeyFromBase58(*seed.PaymentAddress); err != nil {
			return fmt.Errorf("invalid payment_address: %w", err)
		}
	}
	return nil
}
