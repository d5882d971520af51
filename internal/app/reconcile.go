package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

const (
	defaultReconcilePendingAfter = 15 * time.Minute
	defaultReconcileBatchLimit   = 50
	reconcileRunTimeout          = 2 * time.Minute
)

// ReconcileSummary counts what one sweep did.
type ReconcileSummary struct {
	Scanned      int
	Applied      int
	Duplicates   int
	StillPending int
	Errors       int
}

// Reconciler polls the provider for contributions whose callback never arrived.
type Reconciler struct {
	service      *Service
	pendingAfter time.Duration
	batchLimit   int
	logger       *zap.Logger
}

// NewReconciler creates a sweep over pending contributions older than pendingAfter.
func NewReconciler(service *Service, pendingAfter time.Duration, batchLimit int, logger *zap.Logger) *Reconciler {
	if pendingAfter <= 0 {
		pendingAfter = defaultReconcilePendingAfter
	}
	if batchLimit <= 0 {
		batchLimit = defaultReconcileBatchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		service:      service,
		pendingAfter: pendingAfter,
		batchLimit:   batchLimit,
		logger:       logger.With(zap.String("component", "reconciler")),
	}
}

// ReconcilePending queries the provider for stale pending contributions and applies
// any final result through the normal settlement path. Attempts the provider is
// still processing are left untouched.
func (r *Reconciler) ReconcilePending(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	cutoff := r.service.now().Add(-r.pendingAfter)
	stale, err := r.service.repo.FindStalePendingContributions(ctx, cutoff, r.batchLimit)
	if err != nil {
		return summary, fmt.Errorf("failed to load pending contributions: %w", err)
	}

	for i := range stale {
		contribution := &stale[i]
		if contribution.ProviderRequestID == nil || *contribution.ProviderRequestID == "" {
			continue
		}
		summary.Scanned++

		log := r.logger.With(
			zap.String("contribution_id", contribution.ID.String()),
			zap.String("checkout_request_id", *contribution.ProviderRequestID),
		)

		result, err := r.service.gateway.QueryPayment(ctx, *contribution.ProviderRequestID)
		if err != nil {
			if errors.Is(err, mpesa.ErrPaymentPending) {
				summary.StillPending++
				continue
			}
			summary.Errors++
			log.Warn("payment status query failed", zap.Error(err))
			continue
		}

		settled, err := r.service.HandleSettlement(ctx, SettlementFromQuery(contribution, result))
		switch {
		case settled == nil:
			summary.Errors++
			log.Error("failed to apply reconciled settlement", zap.Error(err))
		case settled.Duplicate:
			summary.Duplicates++
		default:
			summary.Applied++
			if err != nil {
				log.Warn("pending contribution reconciled with errors", zap.String("status", string(settled.Contribution.Status)), zap.Error(err))
				continue
			}
			log.Info("pending contribution reconciled", zap.String("status", string(settled.Contribution.Status)))
		}
	}

	return summary, nil
}

// Run is the cron entry point for the sweep.
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileRunTimeout)
	defer cancel()

	summary, err := r.ReconcilePending(ctx)
	if err != nil {
		r.logger.Error("reconciliation sweep failed", zap.Error(err))
		return
	}
	r.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("applied", summary.Applied),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("still_pending", summary.StillPending),
		zap.Int("errors", summary.Errors),
	)
}
