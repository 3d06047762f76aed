package db

import (
	"context"
	"fmt"
	"time"
)

// User holds an investor's aggregate counters.
type User struct {
	ID                string    `json:"id"`
	WalletAddress     string    `json:"wallet_address"`
	TotalInvested     int64     `json:"total_invested"`
	ActiveInvestments int64     `json:"active_investments"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IncrementInvestorStatsParams identifies the investor and the settled amount.
type IncrementInvestorStatsParams struct {
	UserID        string
	WalletAddress string
	Amount        int64
}

const userColumns = `id, wallet_address, total_invested, active_investments, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID,
		&u.WalletAddress,
		&u.TotalInvested,
		&u.ActiveInvestments,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementInvestorStats adds amount to the user's total invested and bumps the
// active investment count. The user row is created on first settlement.
func (s *Store) IncrementInvestorStats(ctx context.Context, params IncrementInvestorStatsParams) (*User, error) {
	query := `
		INSERT INTO users (id, wallet_address, total_invested, active_investments)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (id) DO UPDATE SET
			total_invested = users.total_invested + EXCLUDED.total_invested,
			active_investments = users.active_investments + 1,
			updated_at = NOW()
		RETURNING ` + userColumns

	user, err := scanUser(s.pool.QueryRow(ctx, query, params.UserID, params.WalletAddress, params.Amount))
	if err != nil {
		return nil, fmt.Errorf("increment investor stats: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if it does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
