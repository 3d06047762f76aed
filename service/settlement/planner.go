package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/metrics"
)

// PlanInput is a verified amount and the routing it should follow.
type PlanInput struct {
	Mode   Mode
	Amount int64
	// Farm is the target in direct mode and ignored in pooled mode.
	Farm *db.Farm
}

// Planner decides who receives minted tokens and how many.
type Planner struct {
	farms   FarmReader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPlanner creates a planner that reads eligible farms from farms.
func NewPlanner(farms FarmReader, m *metrics.Metrics, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{farms: farms, metrics: m, logger: logger}
}

// Plan builds the ordered mint plan. Pooled mode splits the amount evenly
// across eligible farms and drops the integer remainder.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*Plan, error) {
	const op = "plan distribution"

	if in.Amount < 0 {
		return nil, validationError(op, "amount must not be negative")
	}

	var plan *Plan
	switch in.Mode {
	case ModeDirect:
		if in.Farm == nil {
			return nil, validationError(op, "direct mode requires a farm")
		}
		if !in.Farm.HasOnChainIdentity() {
			return nil, validationError(op, "farm %s has no on-chain identity", in.Farm.ID)
		}
		plan = &Plan{
			Mode:  ModeDirect,
			Total: in.Amount,
			Entries: []PlanEntry{{
				Recipient: *in.Farm.TokenID,
				FarmID:    in.Farm.ID,
				Amount:    in.Amount,
			}},
		}

	case ModePooled:
		farms, err := p.farms.ListEligibleFarms(ctx)
		if err != nil {
			return nil, newError(KindPersistence, op, fmt.Errorf("failed to list eligible farms: %w", err))
		}
		plan = splitEvenly(in.Amount, farms)

	default:
		return nil, validationError(op, "unknown mode %q", in.Mode)
	}

	p.metrics.RecordDistributionPlan(string(plan.Mode), len(plan.Entries), plan.Remainder)
	p.logger.InfoContext(ctx, "distribution planned",
		"mode", plan.Mode,
		"total", plan.Total,
		"recipients", len(plan.Entries),
		"remainder", plan.Remainder,
	)
	return plan, nil
}

func splitEvenly(amount int64, farms []*db.Farm) *Plan {
	plan := &Plan{Mode: ModePooled, Total: amount, Entries: []PlanEntry{}, Remainder: amount}

	eligible := make([]*db.Farm, 0, len(farms))
	for _, f := range farms {
		if f.Eligible() {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		return plan
	}

	share := amount / int64(len(eligible))
	if share == 0 {
		return plan
	}

	for _, f := range eligible {
		plan.Entries = append(plan.Entries, PlanEntry{
			Recipient: *f.TokenID,
			FarmID:    f.ID,
			Amount:    share,
		})
	}
	plan.Remainder = amount - share*int64(len(eligible))
	return plan
}
