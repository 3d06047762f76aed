package temporal

import (
	"time"

	"github.com/brojonat/agrosettle/service/settlement"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SettlementWorkflowName is the registered name of SettlementWorkflow.
const SettlementWorkflowName = "SettlementWorkflow"

// settlementWorkflowID derives the workflow ID from the payment hash so that
// duplicate submissions of one payment map to one execution.
func settlementWorkflowID(hash string) string {
	return "settlement-" + hash
}

// readOptions are for stages that never write and may safely retry.
func readOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// onceOptions are for stages that must run at most once: re-running them could
// double mint or double count.
func onceOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

// SettlementWorkflow drives one settlement through its stages:
// 1. Prepare the request (validation, pricing, duplicate check)
// 2. Verify the payment on chain
// 3. Plan the distribution
// 4. Execute the mints (failures are recorded, not raised)
// 5. Record the ledger entries
// 6. Publish the settlement event (best effort)
func SettlementWorkflow(ctx workflow.Context, req settlement.Request) (*settlement.Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SettlementWorkflow started",
		"hash", req.TransactionHash,
		"mode", req.Mode,
	)

	readCtx := workflow.WithActivityOptions(ctx, readOptions())

	var prepared *settlement.Prepared
	if err := workflow.ExecuteActivity(readCtx, a.PrepareSettlement, req).Get(ctx, &prepared); err != nil {
		logger.Warn("settlement rejected during preparation", "hash", req.TransactionHash, "error", err)
		return nil, err
	}

	// The verifier bounds its own polling, so the timeout only has to cover
	// the worst case of its retry budget.
	verifyCtx := workflow.WithActivityOptions(ctx, onceOptions(2*time.Minute))
	var payment *settlement.VerifiedPayment
	if err := workflow.ExecuteActivity(verifyCtx, a.VerifyPayment, prepared).Get(ctx, &payment); err != nil {
		logger.Warn("payment verification failed", "hash", req.TransactionHash, "error", err)
		return nil, err
	}

	var plan *settlement.Plan
	if err := workflow.ExecuteActivity(readCtx, a.PlanDistribution, prepared).Get(ctx, &plan); err != nil {
		logger.Error("failed to plan distribution", "hash", req.TransactionHash, "error", err)
		return nil, err
	}

	mintOpts := onceOptions(time.Duration(len(plan.Entries)+1) * 2 * time.Minute)
	mintOpts.HeartbeatTimeout = 5 * time.Minute
	mintCtx := workflow.WithActivityOptions(ctx, mintOpts)
	var mints []settlement.MintResult
	if err := workflow.ExecuteActivity(mintCtx, a.ExecuteMints, plan).Get(ctx, &mints); err != nil {
		logger.Error("mint activity failed", "hash", req.TransactionHash, "error", err)
		return nil, err
	}

	recordCtx := workflow.WithActivityOptions(ctx, onceOptions(time.Minute))
	var result *settlement.Result
	err := workflow.ExecuteActivity(recordCtx, a.RecordSettlement, RecordSettlementInput{
		Prepared: prepared,
		Payment:  payment,
		Plan:     plan,
		Mints:    mints,
	}).Get(ctx, &result)
	if err != nil {
		logger.Error("failed to record settlement", "hash", req.TransactionHash, "error", err)
		return nil, err
	}

	publishCtx := workflow.WithActivityOptions(ctx, readOptions())
	if err := workflow.ExecuteActivity(publishCtx, a.PublishSettlement, result).Get(ctx, nil); err != nil {
		logger.Warn("failed to publish settlement event", "hash", req.TransactionHash, "error", err)
	}

	succeeded, failed := settlement.Partition(mints)
	logger.Info("SettlementWorkflow completed",
		"hash", req.TransactionHash,
		"investment_id", result.Investment.ID,
		"mints_succeeded", len(succeeded),
		"mints_failed", len(failed),
	)
	return result, nil
}
