package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Transaction types and statuses written by the settlement ledger.
const (
	TransactionTypeInvestment = "investment"

	TransactionStatusCompleted = "completed"
)

// Transaction is a generic ledger row for a value movement.
type Transaction struct {
	ID              string          `json:"id"`
	FromID          string          `json:"from_id"`
	FromWallet      string          `json:"from_wallet"`
	ToID            *string         `json:"to_id,omitempty"`
	ToWallet        string          `json:"to_wallet"`
	Amount          int64           `json:"amount"`
	Type            string          `json:"type"`
	TransactionHash string          `json:"transaction_hash"`
	Status          string          `json:"status"`
	BlockNumber     int64           `json:"block_number"`
	BlockTime       *time.Time      `json:"block_time,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CreateTransactionParams contains the parameters for creating a transaction.
type CreateTransactionParams struct {
	FromID          string
	FromWallet      string
	ToID            *string
	ToWallet        string
	Amount          int64
	Type            string
	TransactionHash string
	Status          string
	BlockNumber     int64
	BlockTime       *time.Time
	Metadata        json.RawMessage
}

const transactionColumns = `id, from_id, from_wallet, to_id, to_wallet, amount, type,
	transaction_hash, status, block_number, block_time, metadata, created_at`

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t         Transaction
		id        pgtype.UUID
		toID      pgtype.Text
		blockTime pgtype.Timestamptz
		metadata  []byte
	)
	if err := row.Scan(
		&id,
		&t.FromID,
		&t.FromWallet,
		&toID,
		&t.ToWallet,
		&t.Amount,
		&t.Type,
		&t.TransactionHash,
		&t.Status,
		&t.BlockNumber,
		&blockTime,
		&metadata,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.ID = uuid.UUID(id.Bytes).String()
	t.ToID = stringPtrFromPgtext(toID)
	if blockTime.Valid {
		bt := blockTime.Time
		t.BlockTime = &bt
	}
	t.Metadata = json.RawMessage(metadata)
	return &t, nil
}

// CreateTransaction inserts a ledger transaction. Returns ErrDuplicateKey if a
// transaction with the same hash already exists.
func (s *Store) CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error) {
	metadata := []byte(params.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	var blockTime pgtype.Timestamptz
	if params.BlockTime != nil {
		blockTime = pgtype.Timestamptz{Time: *params.BlockTime, Valid: true}
	}

	query := `
		INSERT INTO transactions (
			id, from_id, from_wallet, to_id, to_wallet, amount, type,
			transaction_hash, status, block_number, block_time, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + transactionColumns

	txn, err := scanTransaction(s.pool.QueryRow(ctx, query,
		uuid.New(),
		params.FromID,
		params.FromWallet,
		pgtextFromStringPtr(params.ToID),
		params.ToWallet,
		params.Amount,
		params.Type,
		params.TransactionHash,
		params.Status,
		params.BlockNumber,
		blockTime,
		metadata,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return txn, nil
}

// GetTransactionByHash retrieves a ledger transaction by hash.
// Returns ErrNotFound if none exists.
func (s *Store) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_hash = $1`, hash)
	txn, err := scanTransaction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}
