package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// InvestmentStatusActive is the status of a freshly settled investment.
const InvestmentStatusActive = "active"

// Investment records one settled purchase.
type Investment struct {
	ID              string          `json:"id"`
	InvestorID      string          `json:"investor_id"`
	InvestorWallet  string          `json:"investor_wallet"`
	FarmID          *string         `json:"farm_id,omitempty"`
	Mode            string          `json:"mode"`
	Amount          int64           `json:"amount"`
	TokenQuantity   int64           `json:"token_quantity"`
	Percentage      *float64        `json:"percentage,omitempty"`
	TransactionHash string          `json:"transaction_hash"`
	BlockNumber     int64           `json:"block_number"`
	Status          string          `json:"status"`
	Distributions   json.RawMessage `json:"distributions"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CreateInvestmentParams contains the parameters for creating an investment.
type CreateInvestmentParams struct {
	InvestorID      string
	InvestorWallet  string
	FarmID          *string
	Mode            string
	Amount          int64
	TokenQuantity   int64
	Percentage      *float64
	TransactionHash string
	BlockNumber     int64
}

// ListInvestmentsParams contains pagination parameters.
type ListInvestmentsParams struct {
	InvestorID string
	Limit      int32
	Offset     int32
}

const investmentColumns = `id, investor_id, investor_wallet, farm_id, mode, amount, token_quantity,
	percentage, transaction_hash, block_number, status, distributions, created_at, updated_at`

func scanInvestment(row rowScanner) (*Investment, error) {
	var (
		inv           Investment
		id            pgtype.UUID
		farmID        pgtype.UUID
		percentage    pgtype.Float8
		distributions []byte
	)
	if err := row.Scan(
		&id,
		&inv.InvestorID,
		&inv.InvestorWallet,
		&farmID,
		&inv.Mode,
		&inv.Amount,
		&inv.TokenQuantity,
		&percentage,
		&inv.TransactionHash,
		&inv.BlockNumber,
		&inv.Status,
		&distributions,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inv.ID = uuid.UUID(id.Bytes).String()
	if farmID.Valid {
		s := uuid.UUID(farmID.Bytes).String()
		inv.FarmID = &s
	}
	inv.Percentage = floatPtrFromPgfloat(percentage)
	inv.Distributions = json.RawMessage(distributions)
	return &inv, nil
}

// CreateInvestment inserts a new active investment. Returns ErrDuplicateKey if
// an investment with the same transaction hash already exists.
func (s *Store) CreateInvestment(ctx context.Context, params CreateInvestmentParams) (*Investment, error) {
	var farmID pgtype.UUID
	if params.FarmID != nil {
		parsed, err := uuid.Parse(*params.FarmID)
		if err != nil {
			return nil, fmt.Errorf("invalid farm id %q: %w", *params.FarmID, err)
		}
		farmID = pgtype.UUID{Bytes: parsed, Valid: true}
	}

	query := `
		INSERT INTO investments (
			id, investor_id, investor_wallet, farm_id, mode, amount, token_quantity,
			percentage, transaction_hash, block_number, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + investmentColumns

	inv, err := scanInvestment(s.pool.QueryRow(ctx, query,
		uuid.New(),
		params.InvestorID,
		params.InvestorWallet,
		farmID,
		params.Mode,
		params.Amount,
		params.TokenQuantity,
		pgfloatFromFloatPtr(params.Percentage),
		params.TransactionHash,
		params.BlockNumber,
		InvestmentStatusActive,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create investment: %w", err)
	}
	return inv, nil
}

// GetInvestmentByHash retrieves an investment by its settling transaction hash.
// Returns ErrNotFound if none exists.
func (s *Store) GetInvestmentByHash(ctx context.Context, hash string) (*Investment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE transaction_hash = $1`, hash)
	inv, err := scanInvestment(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get investment: %w", err)
	}
	return inv, nil
}

// ListInvestmentsByInvestor returns an investor's investments, newest first.
func (s *Store) ListInvestmentsByInvestor(ctx context.Context, params ListInvestmentsParams) ([]*Investment, error) {
	query := `
		SELECT ` + investmentColumns + `
		FROM investments
		WHERE investor_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, params.InvestorID, params.Limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("list investments: %w", err)
	}
	defer rows.Close()

	var investments []*Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan investment: %w", err)
		}
		investments = append(investments, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate investments: %w", err)
	}
	return investments, nil
}
