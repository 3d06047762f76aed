package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Farm status values.
const (
	FarmStatusActive   = "active"
	FarmStatusInactive = "inactive"
	FarmStatusFunded   = "funded"
)

// Farm is an investable agricultural asset. TokenID is the on-chain identity
// minted to; farms without one cannot receive mints.
type Farm struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	TokenID           *string   `json:"token_id,omitempty"`
	PaymentAddress    *string   `json:"payment_address,omitempty"`
	TokenPrice        int64     `json:"token_price"`
	InvestmentGoal    int64     `json:"investment_goal"`
	CurrentInvestment int64     `json:"current_investment"`
	InvestorsCount    int64     `json:"investors_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasOnChainIdentity reports whether the farm can be a mint target.
func (f *Farm) HasOnChainIdentity() bool {
	return f.TokenID != nil && *f.TokenID != ""
}

// Eligible reports whether the farm belongs in a pooled distribution.
func (f *Farm) Eligible() bool {
	return f.Status == FarmStatusActive && f.HasOnChainIdentity()
}

// UpsertFarmParams contains the operator-managed fields of a farm.
// Counters are never written through this path.
type UpsertFarmParams struct {
	ID             string
	Name           string
	Status         string
	TokenID        *string
	PaymentAddress *string
	TokenPrice     int64
	InvestmentGoal int64
}

const farmColumns = `id, name, status, token_id, payment_address, token_price, investment_goal,
	current_investment, investors_count, created_at, updated_at`

func scanFarm(row rowScanner) (*Farm, error) {
	var (
		f              Farm
		id             pgtype.UUID
		tokenID        pgtype.Text
		paymentAddress pgtype.Text
	)
	err := row.Scan(
		&id,
		&f.Name,
		&f.Status,
		&tokenID,
		&paymentAddress,
		&f.TokenPrice,
		&f.InvestmentGoal,
		&f.CurrentInvestment,
		&f.InvestorsCount,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.ID = uuid.UUID(id.Bytes).String()
	f.TokenID = stringPtrFromPgtext(tokenID)
	f.PaymentAddress = stringPtrFromPgtext(paymentAddress)
	return &f, nil
}

// UpsertFarm creates a farm or updates its operator-managed fields.
// An empty ID creates a new farm with a generated ID.
func (s *Store) UpsertFarm(ctx context.Context, params UpsertFarmParams) (*Farm, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	farmID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid farm id %q: %w", id, err)
	}
	status := params.Status
	if status == "" {
		status = FarmStatusActive
	}

	query := `
		INSERT INTO farms (id, name, status, token_id, payment_address, token_price, investment_goal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			token_id = EXCLUDED.token_id,
			payment_address = EXCLUDED.payment_address,
			token_price = EXCLUDED.token_price,
			investment_goal = EXCLUDED.investment_goal,
			updated_at = NOW()
		RETURNING ` + farmColumns

	row := s.pool.QueryRow(ctx, query,
		farmID,
		params.Name,
		status,
		pgtextFromStringPtr(params.TokenID),
		pgtextFromStringPtr(params.PaymentAddress),
		params.TokenPrice,
		params.InvestmentGoal,
	)
	farm, err := scanFarm(row)
	if err != nil {
		return nil, fmt.Errorf("upsert farm: %w", err)
	}
	return farm, nil
}

// GetFarm retrieves a farm by ID. Returns ErrNotFound if it does not exist.
func (s *Store) GetFarm(ctx context.Context, id string) (*Farm, error) {
	farmID, err := uuid.Parse(id)
	if err != nil {
		// A malformed id cannot match any row.
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx, `SELECT `+farmColumns+` FROM farms WHERE id = $1`, farmID)
	farm, err := scanFarm(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get farm: %w", err)
	}
	return farm, nil
}

// ListFarms returns all farms ordered by creation time.
func (s *Store) ListFarms(ctx context.Context) ([]*Farm, error) {
	return s.queryFarms(ctx, `SELECT `+farmColumns+` FROM farms ORDER BY created_at, id`)
}

// ListEligibleFarms returns active farms that have an on-chain identity, in
// creation order. This order is the pooled distribution order.
func (s *Store) ListEligibleFarms(ctx context.Context) ([]*Farm, error) {
	return s.queryFarms(ctx, `
		SELECT `+farmColumns+`
		FROM farms
		WHERE status = 'active' AND token_id IS NOT NULL AND token_id <> ''
		ORDER BY created_at, id`)
}

func (s *Store) queryFarms(ctx context.Context, query string, args ...any) ([]*Farm, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query farms: %w", err)
	}
	defer rows.Close()

	var farms []*Farm
	for rows.Next() {
		farm, err := scanFarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan farm: %w", err)
		}
		farms = append(farms, farm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate farms: %w", err)
	}
	return farms, nil
}

// IncrementFarmInvestment adds amount to the farm's current investment and
// bumps its investor count in a single statement, so concurrent settlements
// against the same farm never lose an update.
func (s *Store) IncrementFarmInvestment(ctx context.Context, farmID string, amount int64) (*Farm, error) {
	if amount < 0 {
		return nil, fmt.Errorf("farm investment increment must not be negative: %d", amount)
	}
	id, err := uuid.Parse(farmID)
	if err != nil {
		return nil, ErrNotFound
	}

	query := `
		UPDATE farms
		SET current_investment = current_investment + $2,
			investors_count = investors_count + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + farmColumns

	farm, err := scanFarm(s.pool.QueryRow(ctx, query, id, amount))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("increment farm investment: %w", err)
	}
	return farm, nil
}
