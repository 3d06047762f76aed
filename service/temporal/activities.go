package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/agrosettle/service/metrics"
	"github.com/brojonat/agrosettle/service/settlement"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
)

// RecordSettlementInput carries the outputs of earlier stages to the ledger.
type RecordSettlementInput struct {
	Prepared *settlement.Prepared        `json:"prepared"`
	Payment  *settlement.VerifiedPayment `json:"payment"`
	Plan     *settlement.Plan            `json:"plan"`
	Mints    []settlement.MintResult     `json:"mints"`
}

// MintProgress is recorded as the heartbeat of ExecuteMints.
type MintProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

// errorDetails travel with an application error so the client can rebuild
// the settlement error on the other side.
type errorDetails struct {
	Reason       string `json:"reason,omitempty"`
	Step         string `json:"step,omitempty"`
	InvestmentID string `json:"investment_id,omitempty"`
}

// Stages defines the settlement operations needed by activities.
// This allows for easy mocking in tests.
type Stages interface {
	Prepare(ctx context.Context, req settlement.Request) (*settlement.Prepared, error)
	Verify(ctx context.Context, p *settlement.Prepared) (*settlement.VerifiedPayment, error)
	Plan(ctx context.Context, p *settlement.Prepared) (*settlement.Plan, error)
	Mint(ctx context.Context, plan *settlement.Plan, observe settlement.MintObserver) []settlement.MintResult
	Record(ctx context.Context, p *settlement.Prepared, payment *settlement.VerifiedPayment, plan *settlement.Plan, mints []settlement.MintResult) (*settlement.Result, error)
	Notify(ctx context.Context, result *settlement.Result) error
}

var _ Stages = (*settlement.Service)(nil)

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	stages  Stages
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(stages Stages, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		stages:  stages,
		metrics: m,
		logger:  logger,
	}
}

func (a *Activities) observe(name string, start time.Time, err error) {
	a.metrics.RecordActivityDuration(name, time.Since(start).Seconds(), err)
}

// PrepareSettlement validates the request and resolves pricing. Read-only.
func (a *Activities) PrepareSettlement(ctx context.Context, req settlement.Request) (p *settlement.Prepared, err error) {
	start := time.Now()
	defer func() { a.observe("PrepareSettlement", start, err) }()

	p, err = a.stages.Prepare(ctx, req)
	if err != nil {
		a.logger.WarnContext(ctx, "settlement request rejected",
			"hash", req.TransactionHash,
			"error", err,
		)
		return nil, toApplicationError(err)
	}
	return p, nil
}

// VerifyPayment confirms the claimed payment on chain.
func (a *Activities) VerifyPayment(ctx context.Context, p *settlement.Prepared) (v *settlement.VerifiedPayment, err error) {
	start := time.Now()
	defer func() { a.observe("VerifyPayment", start, err) }()

	v, err = a.stages.Verify(ctx, p)
	if err != nil {
		return nil, toApplicationError(err)
	}
	return v, nil
}

// PlanDistribution builds the mint plan. Read-only.
func (a *Activities) PlanDistribution(ctx context.Context, p *settlement.Prepared) (plan *settlement.Plan, err error) {
	start := time.Now()
	defer func() { a.observe("PlanDistribution", start, err) }()

	plan, err = a.stages.Plan(ctx, p)
	if err != nil {
		return nil, toApplicationError(err)
	}
	return plan, nil
}

// ExecuteMints runs every planned mint, heartbeating after each one.
// Individual mint failures are part of the result, never an activity error.
func (a *Activities) ExecuteMints(ctx context.Context, plan *settlement.Plan) ([]settlement.MintResult, error) {
	start := time.Now()
	defer a.observe("ExecuteMints", start, nil)

	total := 0
	if plan != nil {
		total = len(plan.Entries)
	}
	progress := MintProgress{Total: total}

	results := a.stages.Mint(ctx, plan, func(i int, r settlement.MintResult) {
		progress.Completed = i + 1
		if !r.Succeeded {
			progress.Failed++
		}
		if activity.IsActivity(ctx) {
			activity.RecordHeartbeat(ctx, progress)
		}
	})

	a.logger.InfoContext(ctx, "mints executed",
		"total", total,
		"failed", progress.Failed,
		"duration", time.Since(start),
	)
	return results, nil
}

// RecordSettlement writes the ledger entries.
func (a *Activities) RecordSettlement(ctx context.Context, in RecordSettlementInput) (r *settlement.Result, err error) {
	start := time.Now()
	defer func() { a.observe("RecordSettlement", start, err) }()

	r, err = a.stages.Record(ctx, in.Prepared, in.Payment, in.Plan, in.Mints)
	if err != nil {
		return nil, toApplicationError(err)
	}
	return r, nil
}

// PublishSettlement announces a completed settlement.
func (a *Activities) PublishSettlement(ctx context.Context, r *settlement.Result) (err error) {
	start := time.Now()
	defer func() { a.observe("PublishSettlement", start, err) }()

	if err = a.stages.Notify(ctx, r); err != nil {
		a.logger.WarnContext(ctx, "failed to publish settlement event", "error", err)
		return err
	}
	return nil
}

// toApplicationError converts settlement errors into Temporal application
// errors typed by kind. Read-side persistence errors stay retryable; all
// other kinds are final.
func toApplicationError(err error) error {
	serr, ok := settlement.AsError(err)
	if !ok {
		return err
	}

	msg := serr.Error()
	if serr.Err != nil {
		msg = serr.Err.Error()
	}
	details := errorDetails{
		Reason:       serr.Reason(),
		Step:         serr.Step,
		InvestmentID: serr.InvestmentID,
	}
	if serr.Kind == settlement.KindPersistence && serr.Step == "" {
		return temporal.NewApplicationErrorWithCause(msg, string(serr.Kind), err, details)
	}
	return temporal.NewNonRetryableApplicationError(msg, string(serr.Kind), err, details)
}

// remoteError is a settlement error message rebuilt from an application
// error. It unwraps to the original sentinel when one was named.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// fromApplicationError rebuilds a settlement error from a workflow failure.
func fromApplicationError(err error) error {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return err
	}

	kind := settlement.Kind(appErr.Type())
	switch kind {
	case settlement.KindValidation, settlement.KindNotFound, settlement.KindVerification,
		settlement.KindConflict, settlement.KindPersistence:
	default:
		return err
	}

	var details errorDetails
	if appErr.HasDetails() {
		_ = appErr.Details(&details)
	}
	return &settlement.Error{
		Kind:         kind,
		Op:           "settle",
		Step:         details.Step,
		InvestmentID: details.InvestmentID,
		Err: &remoteError{
			msg:      appErr.Message(),
			sentinel: settlement.SentinelForReason(details.Reason),
		},
	}
}
