package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/agrosettle/service/metrics"
)

// VerifyInput names the payment a caller claims to have made.
type VerifyInput struct {
	Hash              string
	Payer             string
	ExpectedRecipient string
}

// Verifier confirms a claimed payment against the chain. It never writes.
type Verifier struct {
	chain   PaymentLookup
	poll    PollConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewVerifier creates a verifier. A zero MaxAttempts falls back to DefaultPollConfig.
func NewVerifier(chain PaymentLookup, poll PollConfig, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	if poll.MaxAttempts <= 0 {
		def := DefaultPollConfig()
		poll.MaxAttempts = def.MaxAttempts
		if poll.Delay == 0 {
			poll.Delay = def.Delay
		}
	}
	if poll.Sleep == nil {
		poll.Sleep = ContextSleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{chain: chain, poll: poll, metrics: m, logger: logger}
}

type lookupResult struct {
	tx      *ChainTransaction
	receipt *Receipt
}

// Verify polls for the transaction and its receipt, then checks status,
// sender and recipient in that order. A transaction without a transfer has
// no recipient and is rejected before the sender is compared.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (*VerifiedPayment, error) {
	const op = "verify payment"

	found, attempts, ok := Poll(ctx, v.poll, func(ctx context.Context, attempt int) (lookupResult, bool) {
		return v.lookup(ctx, in.Hash, attempt)
	})
	if !ok {
		v.metrics.RecordVerificationAttempts("not_found", attempts)
		v.metrics.RecordVerificationFailure("transaction_not_found")
		v.logger.WarnContext(ctx, "transaction not visible on chain",
			"hash", in.Hash,
			"attempts", attempts,
		)
		return nil, newError(KindNotFound, op, fmt.Errorf("%w: %s after %d attempts", ErrTransactionNotFound, in.Hash, attempts))
	}
	v.metrics.RecordVerificationAttempts("found", attempts)

	tx, receipt := found.tx, found.receipt
	if !receipt.Success {
		return nil, v.reject(ctx, op, in, ErrOnChainFailure, "on_chain_failure", receipt.Err)
	}
	if tx.To == "" {
		return nil, v.reject(ctx, op, in, ErrRecipientMismatch, "no_transfer", "transaction contains no transfer")
	}
	if !strings.EqualFold(tx.From, in.Payer) {
		return nil, v.reject(ctx, op, in, ErrSenderMismatch, "sender_mismatch",
			fmt.Sprintf("got %s, want %s", tx.From, in.Payer))
	}
	if tx.To != in.ExpectedRecipient {
		return nil, v.reject(ctx, op, in, ErrRecipientMismatch, "recipient_mismatch",
			fmt.Sprintf("got %s, want %s", tx.To, in.ExpectedRecipient))
	}

	blockNumber := receipt.BlockNumber
	if blockNumber == 0 {
		blockNumber = tx.Slot
	}

	v.logger.InfoContext(ctx, "payment verified",
		"hash", in.Hash,
		"from", tx.From,
		"to", tx.To,
		"on_chain_amount", tx.Amount,
		"attempts", attempts,
	)

	return &VerifiedPayment{
		Hash:          in.Hash,
		From:          tx.From,
		To:            tx.To,
		OnChainAmount: tx.Amount,
		TokenMint:     tx.TokenMint,
		BlockNumber:   int64(blockNumber),
		BlockTime:     tx.BlockTime,
		Attempts:      attempts,
	}, nil
}

func (v *Verifier) lookup(ctx context.Context, hash string, attempt int) (lookupResult, bool) {
	tx, err := v.chain.LookupTransaction(ctx, hash)
	if err != nil {
		v.logger.DebugContext(ctx, "transaction lookup failed", "hash", hash, "attempt", attempt, "error", err)
		return lookupResult{}, false
	}
	if tx == nil {
		v.logger.DebugContext(ctx, "transaction not yet visible", "hash", hash, "attempt", attempt)
		return lookupResult{}, false
	}

	receipt, err := v.chain.LookupReceipt(ctx, hash)
	if err != nil {
		v.logger.DebugContext(ctx, "receipt lookup failed", "hash", hash, "attempt", attempt, "error", err)
		return lookupResult{}, false
	}
	if receipt == nil {
		v.logger.DebugContext(ctx, "receipt not yet visible", "hash", hash, "attempt", attempt)
		return lookupResult{}, false
	}
	return lookupResult{tx: tx, receipt: receipt}, true
}

func (v *Verifier) reject(ctx context.Context, op string, in VerifyInput, sentinel error, reason, detail string) error {
	v.metrics.RecordVerificationFailure(reason)
	v.logger.WarnContext(ctx, "payment rejected",
		"hash", in.Hash,
		"reason", reason,
		"detail", detail,
	)
	if detail != "" {
		return newError(KindVerification, op, fmt.Errorf("%w: %s", sentinel, detail))
	}
	return newError(KindVerification, op, sentinel)
}
