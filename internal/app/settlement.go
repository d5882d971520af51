package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

// HandleSettlement applies a provider's final result to the contribution it refers to.
// Redelivery of a result for a record that is already terminal is reported as a
// duplicate and changes nothing. Concurrent deliveries for the same record are
// serialized by the store's compare-and-set.
func (s *Service) HandleSettlement(ctx context.Context, evt domain.SettlementEvent) (*domain.SettlementResult, error) {
	status, ok := evt.Outcome.ContributionStatus()
	if !ok {
		return nil, invalid("outcome", fmt.Sprintf("unknown settlement outcome %q", evt.Outcome))
	}

	log := s.logger.With(
		zap.String("correlation_id", evt.CorrelationID),
		zap.String("provider_request_id", evt.ProviderRequestID),
		zap.String("outcome", string(evt.Outcome)),
	)

	contribution, err := s.resolveContribution(ctx, evt)
	if err != nil {
		if errors.Is(err, store.ErrContributionNotFound) {
			log.Warn("settlement for unknown contribution; possible replay or data loss")
		}
		return nil, err
	}
	log = log.With(zap.String("contribution_id", contribution.ID.String()))

	if contribution.Status.IsTerminal() {
		log.Info("duplicate settlement ignored", zap.String("status", string(contribution.Status)))
		return s.duplicateResult(ctx, contribution), nil
	}

	params := store.ApplySettlementParams{
		Status:    status,
		SettledAt: s.now(),
	}
	if evt.SettledAt != nil {
		params.SettledAt = evt.SettledAt.UTC()
	}
	if ref := strings.TrimSpace(evt.ProviderReference); ref != "" {
		params.ProviderReference = &ref
	}

	var mismatch error
	if status == domain.ContributionStatusSettled && evt.AmountReported && !s.withinTolerance(contribution.Amount, evt.Amount) {
		mismatch = fmt.Errorf("%w: expected %d, provider reported %d", ErrAmountMismatch, contribution.Amount, evt.Amount)
		params.Status = domain.ContributionStatusFailed
		log.Error("settled amount outside tolerance; marking contribution failed",
			zap.Int64("expected", contribution.Amount),
			zap.Int64("reported", evt.Amount),
			zap.Int64("tolerance", s.amountTolerance),
		)
	}
	if params.Status != domain.ContributionStatusSettled {
		reason := strings.TrimSpace(evt.ResultDesc)
		if mismatch != nil {
			reason = mismatch.Error()
		}
		if reason == "" {
			reason = string(evt.Outcome)
		}
		params.FailureReason = &reason
	}

	updated, applied, err := s.repo.ApplySettlement(ctx, contribution.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to apply settlement: %w", err)
	}
	if !applied {
		log.Info("duplicate settlement ignored", zap.String("status", string(updated.Status)))
		return s.duplicateResult(ctx, updated), nil
	}

	raised, recomputeErr := s.afterTransition(ctx, updated)
	log.Info("settlement applied",
		zap.String("status", string(updated.Status)),
		zap.Int64("amount", updated.Amount),
		zap.Int64("raised", raised),
	)

	result := &domain.SettlementResult{Contribution: updated, Raised: raised}
	if err := errors.Join(mismatch, recomputeErr); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) resolveContribution(ctx context.Context, evt domain.SettlementEvent) (*domain.Contribution, error) {
	if id, err := uuid.Parse(strings.TrimSpace(evt.CorrelationID)); err == nil {
		contribution, err := s.repo.FindContributionByID(ctx, id)
		switch {
		case err == nil:
			return contribution, nil
		case !errors.Is(err, store.ErrContributionNotFound):
			return nil, fmt.Errorf("failed to load contribution: %w", err)
		}
	}

	requestID := strings.TrimSpace(evt.ProviderRequestID)
	if requestID == "" {
		return nil, store.ErrContributionNotFound
	}
	contribution, err := s.repo.FindContributionByProviderRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrContributionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	return contribution, nil
}

// duplicateResult recomputes the event total as well, which repairs a total whose
// recompute failed when the record first settled.
func (s *Service) duplicateResult(ctx context.Context, contribution *domain.Contribution) *domain.SettlementResult {
	result := &domain.SettlementResult{Contribution: contribution, Duplicate: true}
	raised, err := s.ledger.RecomputeTotal(ctx, contribution.EventID)
	if err == nil {
		result.Raised = raised
		return result
	}
	s.logger.Warn("ledger recompute on redelivery failed",
		zap.String("event_id", contribution.EventID.String()),
		zap.Error(err),
	)
	if event, err := s.repo.FindEventByID(ctx, contribution.EventID); err == nil {
		result.Raised = event.Raised
	}
	return result
}

func (s *Service) withinTolerance(expected, reported int64) bool {
	diff := expected - reported
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.amountTolerance
}

// SettlementFromCallback converts a parsed STK callback into a settlement event.
// correlationID is the ref carried on the callback URL and may be empty.
func SettlementFromCallback(correlationID string, cb *mpesa.CallbackResult) domain.SettlementEvent {
	evt := domain.SettlementEvent{
		CorrelationID:     strings.TrimSpace(correlationID),
		ProviderRequestID: cb.CheckoutRequestID,
		ProviderReference: cb.ReceiptNumber,
		Outcome:           settlementOutcome(cb.Outcome),
		AmountReported:    cb.AmountReported,
		Phone:             cb.Phone,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		SettledAt:         cb.TransactionDate,
	}
	if cb.AmountReported {
		evt.Amount = cb.Amount.Round(0).IntPart()
	}
	return evt
}

// SettlementFromQuery converts a final STK query result for a contribution into a
// settlement event. Query results carry no amount or receipt.
func SettlementFromQuery(contribution *domain.Contribution, result *mpesa.QueryResult) domain.SettlementEvent {
	return domain.SettlementEvent{
		CorrelationID:     contribution.ID.String(),
		ProviderRequestID: result.CheckoutRequestID,
		Outcome:           settlementOutcome(result.Outcome),
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
	}
}

func settlementOutcome(outcome mpesa.Outcome) domain.SettlementOutcome {
	switch outcome {
	case mpesa.OutcomeSucceeded:
		return domain.SettlementSucceeded
	case mpesa.OutcomeCancelled:
		return domain.SettlementCancelled
	default:
		return domain.SettlementFailed
	}
}
