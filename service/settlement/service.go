package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/metrics"
)

// Options configures pricing and payment targets.
type Options struct {
	// DirectPaymentAddress receives direct payments for farms without their own address.
	DirectPaymentAddress string
	PoolAddress          string
	// TokenPrice applies to direct purchases of farms without a price of their own.
	TokenPrice       int64
	PoolTokenPrice   int64
	PaymentTokenMint string
	Poll             PollConfig
}

// Service runs settlements. Each stage is exported so a durable workflow can
// drive them one at a time.
type Service struct {
	store    Store
	opts     Options
	verifier *Verifier
	planner  *Planner
	executor *MintExecutor
	ledger   *LedgerWriter
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires the settlement stages together.
func NewService(store Store, chain ChainClient, opts Options, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		opts:     opts,
		verifier: NewVerifier(chain, opts.Poll, m, logger),
		planner:  NewPlanner(store, m, logger),
		executor: NewMintExecutor(chain, m, logger),
		ledger:   NewLedgerWriter(store, m, logger),
		metrics:  m,
		logger:   logger,
	}
}

// WithNotifier sets the notifier told about completed settlements.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Prepare validates a request and resolves its price, amount and expected
// payment recipient. It does not write.
func (s *Service) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	const op = "prepare settlement"

	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	existing, err := s.store.GetInvestmentByHash(ctx, req.TransactionHash)
	switch {
	case err == nil && existing != nil:
		return nil, newError(KindConflict, op, fmt.Errorf("%w: %s", ErrAlreadySettled, req.TransactionHash))
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return nil, newError(KindPersistence, op, fmt.Errorf("failed to check for existing investment: %w", err))
	}

	prepared := &Prepared{
		Request:          req,
		PaymentTokenMint: s.opts.PaymentTokenMint,
	}

	switch req.Mode {
	case ModeDirect:
		farm, err := s.store.GetFarm(ctx, req.FarmID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, newError(KindNotFound, op, fmt.Errorf("%w: %s", ErrFarmNotFound, req.FarmID))
			}
			return nil, newError(KindPersistence, op, fmt.Errorf("failed to load farm: %w", err))
		}
		if !farm.HasOnChainIdentity() {
			return nil, validationError(op, "farm %s has no on-chain identity", farm.ID)
		}
		prepared.Farm = farm
		prepared.PricePerToken = s.opts.TokenPrice
		if farm.TokenPrice > 0 {
			prepared.PricePerToken = farm.TokenPrice
		}
		prepared.ExpectedRecipient = s.opts.DirectPaymentAddress
		if farm.PaymentAddress != nil && *farm.PaymentAddress != "" {
			prepared.ExpectedRecipient = *farm.PaymentAddress
		}

	case ModePooled:
		prepared.PricePerToken = s.opts.PoolTokenPrice
		prepared.ExpectedRecipient = s.opts.PoolAddress
	}

	if prepared.PricePerToken <= 0 {
		return nil, validationError(op, "no token price configured for %s mode", req.Mode)
	}
	if prepared.ExpectedRecipient == "" {
		return nil, validationError(op, "no payment address configured for %s mode", req.Mode)
	}
	if req.TokenAmount > math.MaxInt64/prepared.PricePerToken {
		return nil, validationError(op, "token amount %d at price %d overflows", req.TokenAmount, prepared.PricePerToken)
	}
	prepared.Amount = req.TokenAmount * prepared.PricePerToken

	return prepared, nil
}

func validateRequest(op string, req Request) error {
	switch {
	case !req.Mode.Valid():
		return validationError(op, "mode must be %q or %q", ModeDirect, ModePooled)
	case req.Mode == ModeDirect && req.FarmID == "":
		return validationError(op, "farm_id is required in direct mode")
	case req.Mode == ModePooled && req.FarmID != "":
		return validationError(op, "farm_id must be empty in pooled mode")
	case req.TokenAmount <= 0:
		return validationError(op, "token_amount must be positive")
	case req.TransactionHash == "":
		return validationError(op, "transaction_hash is required")
	case req.WalletAddress == "":
		return validationError(op, "wallet_address is required")
	case req.InvestorID == "":
		return validationError(op, "investor_id is required")
	}
	return nil
}

// Verify confirms the claimed payment on chain.
func (s *Service) Verify(ctx context.Context, p *Prepared) (*VerifiedPayment, error) {
	return s.verifier.Verify(ctx, VerifyInput{
		Hash:              p.Request.TransactionHash,
		Payer:             p.Request.WalletAddress,
		ExpectedRecipient: p.ExpectedRecipient,
	})
}

// Plan builds the mint plan for a prepared request.
func (s *Service) Plan(ctx context.Context, p *Prepared) (*Plan, error) {
	return s.planner.Plan(ctx, PlanInput{Mode: p.Request.Mode, Amount: p.Amount, Farm: p.Farm})
}

// Mint executes a plan.
func (s *Service) Mint(ctx context.Context, plan *Plan, observe MintObserver) []MintResult {
	return s.executor.Execute(ctx, plan, observe)
}

// Record persists the settlement.
func (s *Service) Record(ctx context.Context, p *Prepared, payment *VerifiedPayment, plan *Plan, mints []MintResult) (*Result, error) {
	return s.ledger.Record(ctx, RecordInput{Prepared: p, Payment: payment, Plan: plan, Mints: mints})
}

// Notify tells the notifier about a completed settlement, if one is set.
func (s *Service) Notify(ctx context.Context, result *Result) error {
	if s.notifier == nil || result == nil {
		return nil
	}
	return s.notifier.NotifySettled(ctx, result)
}

// Settle runs Verify, Plan, Mint and Record in order.
func (s *Service) Settle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result, err := s.settle(ctx, req)

	outcome := "settled"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	} else if _, failed := Partition(result.MintBreakdown); len(failed) > 0 {
		outcome = "partial"
	}
	s.metrics.RecordSettlement(string(req.Mode), outcome, time.Since(start).Seconds())

	return result, err
}

func (s *Service) settle(ctx context.Context, req Request) (*Result, error) {
	prepared, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	payment, err := s.Verify(ctx, prepared)
	if err != nil {
		return nil, err
	}

	plan, err := s.Plan(ctx, prepared)
	if err != nil {
		return nil, err
	}

	mints := s.Mint(ctx, plan, nil)

	result, err := s.Record(ctx, prepared, payment, plan, mints)
	if err != nil {
		return nil, err
	}

	if err := s.Notify(ctx, result); err != nil {
		s.logger.WarnContext(ctx, "failed to publish settlement event",
			"hash", result.TransactionHash,
			"error", err,
		)
	}
	return result, nil
}
