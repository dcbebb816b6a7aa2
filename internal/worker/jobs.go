package worker

import (
	"context"
	"time"

	"github.com/shareflow/shareflow-api/internal/domain/commission"
)

type PhaseSweeper interface {
	ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error)
	ReconcileActive(ctx context.Context) (bool, error)
}

type LedgerSweeper interface {
	ActivateCommissions(ctx context.Context, criteria commission.ActivationCriteria) (int, error)
}

type WithdrawalSweeper interface {
	ReevaluateOutsideWindow(ctx context.Context) (int, error)
}

type JobConfig struct {
	AllocationPendingTTL time.Duration
	CommissionMaturation time.Duration
}

// Jobs builds the standard sweep set. Commission activation is left out
// when maturation is disabled (zero).
func Jobs(phases PhaseSweeper, ledger LedgerSweeper, withdrawals WithdrawalSweeper, cfg JobConfig) []Job {
	jobs := []Job{
		{
			Name: "expire_allocations",
			Run: func(ctx context.Context) (int, error) {
				return phases.ExpireStalePending(ctx, cfg.AllocationPendingTTL)
			},
		},
		{
			Name: "reconcile_phase",
			Run: func(ctx context.Context) (int, error) {
				advanced, err := phases.ReconcileActive(ctx)
				if advanced {
					return 1, err
				}
				return 0, err
			},
		},
		{
			Name: "reevaluate_withdrawals",
			Run:  withdrawals.ReevaluateOutsideWindow,
		},
	}

	if cfg.CommissionMaturation > 0 {
		jobs = append(jobs, Job{
			Name: "activate_commissions",
			Run: func(ctx context.Context) (int, error) {
				return ledger.ActivateCommissions(ctx, commission.ActivationCriteria{OlderThan: cfg.CommissionMaturation})
			},
		})
	}
	return jobs
}
