package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/metrics"
)

// Ledger step names, reported on persistence errors.
const (
	StepCreateInvestment  = "create_investment"
	StepIncrementFarm     = "increment_farm"
	StepIncrementInvestor = "increment_investor"
	StepCreateTransaction = "create_transaction"
)

// RecordInput is everything the ledger needs to persist a settlement.
type RecordInput struct {
	Prepared *Prepared
	Payment  *VerifiedPayment
	Plan     *Plan
	Mints    []MintResult
}

// TransactionMetadata is stored on the Transaction row.
type TransactionMetadata struct {
	Mode                Mode         `json:"mode"`
	TokenQuantity       int64        `json:"token_quantity"`
	PricePerToken       int64        `json:"price_per_token"`
	OnChainAmount       uint64       `json:"on_chain_amount"`
	TokenMint           string       `json:"token_mint"`
	MintBreakdown       []MintResult `json:"mint_breakdown"`
	RecipientsSupported *int         `json:"recipients_supported,omitempty"`
	Remainder           *int64       `json:"remainder,omitempty"`
	MintsSucceeded      int          `json:"mints_succeeded"`
	MintsFailed         int          `json:"mints_failed"`
}

// LedgerWriter persists a settlement as a sequence of independent commits.
// Once the Investment exists it is never rolled back.
type LedgerWriter struct {
	store   LedgerStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewLedgerWriter creates a ledger writer.
func NewLedgerWriter(store LedgerStore, m *metrics.Metrics, logger *slog.Logger) *LedgerWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerWriter{store: store, metrics: m, logger: logger}
}

// Percentage is the share of a farm's goal that amount represents.
func Percentage(amount, goal int64) float64 {
	if goal <= 0 {
		return 0
	}
	return float64(amount) * 100 / float64(goal)
}

// Record writes the Investment, the counters and the Transaction, in that order.
func (w *LedgerWriter) Record(ctx context.Context, in RecordInput) (*Result, error) {
	const op = "record settlement"

	if in.Prepared == nil || in.Payment == nil || in.Plan == nil {
		return nil, validationError(op, "prepared request, payment and plan are required")
	}
	req := in.Prepared.Request
	mints := in.Mints
	if mints == nil {
		mints = []MintResult{}
	}

	params := db.CreateInvestmentParams{
		InvestorID:      req.InvestorID,
		InvestorWallet:  req.WalletAddress,
		Mode:            string(req.Mode),
		Amount:          in.Prepared.Amount,
		TokenQuantity:   req.TokenAmount,
		TransactionHash: in.Payment.Hash,
		BlockNumber:     in.Payment.BlockNumber,
	}
	var farmID *string
	if req.Mode == ModeDirect && in.Prepared.Farm != nil {
		id := in.Prepared.Farm.ID
		farmID = &id
		pct := Percentage(in.Prepared.Amount, in.Prepared.Farm.InvestmentGoal)
		params.FarmID = farmID
		params.Percentage = &pct
	}

	start := time.Now()
	investment, err := w.store.CreateInvestment(ctx, params)
	w.metrics.RecordLedgerWrite(StepCreateInvestment, time.Since(start).Seconds(), err)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			return nil, newError(KindConflict, op, fmt.Errorf("%w: %s", ErrAlreadySettled, in.Payment.Hash))
		}
		return nil, &Error{Kind: KindPersistence, Op: op, Step: StepCreateInvestment, Err: err}
	}

	fail := func(step string, err error) error {
		w.logger.ErrorContext(ctx, "ledger step failed after investment was created",
			"step", step,
			"investment_id", investment.ID,
			"hash", in.Payment.Hash,
			"error", err,
		)
		return &Error{Kind: KindPersistence, Op: op, Step: step, InvestmentID: investment.ID, Err: err}
	}

	if farmID != nil {
		start = time.Now()
		_, err = w.store.IncrementFarmInvestment(ctx, *farmID, in.Prepared.Amount)
		w.metrics.RecordLedgerWrite(StepIncrementFarm, time.Since(start).Seconds(), err)
		if err != nil {
			return nil, fail(StepIncrementFarm, err)
		}
	}

	start = time.Now()
	_, err = w.store.IncrementInvestorStats(ctx, db.IncrementInvestorStatsParams{
		UserID:        req.InvestorID,
		WalletAddress: req.WalletAddress,
		Amount:        in.Prepared.Amount,
	})
	w.metrics.RecordLedgerWrite(StepIncrementInvestor, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fail(StepIncrementInvestor, err)
	}

	metadata, err := json.Marshal(buildMetadata(in, mints))
	if err != nil {
		return nil, fail(StepCreateTransaction, fmt.Errorf("failed to encode metadata: %w", err))
	}

	start = time.Now()
	txn, err := w.store.CreateTransaction(ctx, db.CreateTransactionParams{
		FromID:          req.InvestorID,
		FromWallet:      req.WalletAddress,
		ToID:            farmID,
		ToWallet:        in.Prepared.ExpectedRecipient,
		Amount:          in.Prepared.Amount,
		Type:            db.TransactionTypeInvestment,
		TransactionHash: in.Payment.Hash,
		Status:          db.TransactionStatusCompleted,
		BlockNumber:     in.Payment.BlockNumber,
		BlockTime:       in.Payment.BlockTime,
		Metadata:        metadata,
	})
	w.metrics.RecordLedgerWrite(StepCreateTransaction, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fail(StepCreateTransaction, err)
	}

	w.logger.InfoContext(ctx, "settlement recorded",
		"investment_id", investment.ID,
		"transaction_id", txn.ID,
		"hash", in.Payment.Hash,
		"mode", req.Mode,
		"amount", in.Prepared.Amount,
	)

	return &Result{
		Investment:          investment,
		Transaction:         txn,
		MintBreakdown:       mints,
		TransactionHash:     in.Payment.Hash,
		RecipientsSupported: len(in.Plan.Entries),
		Remainder:           in.Plan.Remainder,
	}, nil
}

func buildMetadata(in RecordInput, mints []MintResult) TransactionMetadata {
	succeeded, failed := Partition(mints)
	md := TransactionMetadata{
		Mode:           in.Prepared.Request.Mode,
		TokenQuantity:  in.Prepared.Request.TokenAmount,
		PricePerToken:  in.Prepared.PricePerToken,
		OnChainAmount:  in.Payment.OnChainAmount,
		TokenMint:      in.Payment.TokenMint,
		MintBreakdown:  mints,
		MintsSucceeded: len(succeeded),
		MintsFailed:    len(failed),
	}
	if md.TokenMint == "" {
		md.TokenMint = in.Prepared.PaymentTokenMint
	}
	if in.Prepared.Request.Mode == ModePooled {
		recipients := len(in.Plan.Entries)
		remainder := in.Plan.Remainder
		md.RecipientsSupported = &recipients
		md.Remainder = &remainder
	}
	return md
}
