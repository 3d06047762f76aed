package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agrosettle/service/metrics"
)

// MintObserver is called after each mint with its index and result.
type MintObserver func(index int, result MintResult)

// MintExecutor runs a plan's mints one at a time.
type MintExecutor struct {
	minter  Minter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMintExecutor creates an executor backed by minter.
func NewMintExecutor(minter Minter, m *metrics.Metrics, logger *slog.Logger) *MintExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MintExecutor{minter: minter, metrics: m, logger: logger}
}

// Execute mints every plan entry in order. A failed mint is recorded in its
// result and never stops the remaining entries. Nothing is retried or reversed.
func (e *MintExecutor) Execute(ctx context.Context, plan *Plan, observe MintObserver) []MintResult {
	if plan == nil {
		return []MintResult{}
	}

	results := make([]MintResult, 0, len(plan.Entries))
	for i, entry := range plan.Entries {
		start := time.Now()
		result := e.mintOne(ctx, entry)

		status := "succeeded"
		if !result.Succeeded {
			status = "failed"
			e.logger.WarnContext(ctx, "mint failed",
				"index", i,
				"recipient", entry.Recipient,
				"amount", entry.Amount,
				"error", result.Error,
			)
		} else {
			e.logger.InfoContext(ctx, "mint succeeded",
				"index", i,
				"recipient", entry.Recipient,
				"amount", entry.Amount,
				"signature", result.TransactionHash,
			)
		}
		e.metrics.RecordMintResult(status, time.Since(start).Seconds())

		results = append(results, result)
		if observe != nil {
			observe(i, result)
		}
	}
	return results
}

func (e *MintExecutor) mintOne(ctx context.Context, entry PlanEntry) (result MintResult) {
	result = MintResult{
		Recipient: entry.Recipient,
		FarmID:    entry.FarmID,
		Amount:    entry.Amount,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Succeeded = false
			result.TransactionHash = ""
			result.Error = fmt.Sprintf("mint panicked: %v", r)
		}
	}()

	receipt, err := e.minter.Mint(ctx, entry.Recipient, entry.Amount)
	switch {
	case err != nil:
		result.Error = err.Error()
		if receipt != nil {
			result.TransactionHash = receipt.TransactionHash
		}
	case receipt == nil:
		result.Error = "mint returned no receipt"
	case !receipt.Succeeded:
		result.TransactionHash = receipt.TransactionHash
		result.Error = receipt.Error
		if result.Error == "" {
			result.Error = "mint reported failure"
		}
	default:
		result.Succeeded = true
		result.TransactionHash = receipt.TransactionHash
	}
	return result
}

// Partition splits results into succeeded and failed, preserving order.
func Partition(results []MintResult) (succeeded, failed []MintResult) {
	for _, r := range results {
		if r.Succeeded {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	return succeeded, failed
}
