package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

const (
	anonymousContributor   = "Anonymous"
	maxContributorNameLen  = 80
	contributionRateWindow = time.Minute
)

// RequestContribution records a pending contribution and asks the provider to push a
// payment prompt to the contributor's phone. It returns as soon as the provider has
// answered; settlement arrives later on the callback.
//
// A rejected push moves the record to failed. An unreachable provider leaves it
// pending. Both cases return a *ContributionError carrying the record.
func (s *Service) RequestContribution(ctx context.Context, eventID uuid.UUID, contributorUserID *string, req domain.ContributionRequest) (*domain.Contribution, error) {
	if req.Amount <= 0 {
		return nil, invalid("amount", "must be greater than zero")
	}
	phone, err := mpesa.NormalizePhone(req.ContributorPhone)
	if err != nil {
		return nil, invalid("contributor_phone", err.Error())
	}
	name := strings.TrimSpace(req.ContributorName)
	if name == "" {
		name = anonymousContributor
	}
	if utf8.RuneCountInString(name) > maxContributorNameLen {
		return nil, invalid("contributor_name", fmt.Sprintf("must be at most %d characters", maxContributorNameLen))
	}

	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.AcceptingContributions() {
		return nil, ErrEventClosed
	}

	if err := s.consumeContributionRateLimit(ctx, phone); err != nil {
		return nil, err
	}

	currency := event.Currency
	if currency == "" {
		currency = s.currency
	}
	contribution := &domain.Contribution{
		ID:                uuid.New(),
		EventID:           event.ID,
		ContributorName:   name,
		ContributorPhone:  phone,
		ContributorUserID: contributorUserID,
		Amount:            req.Amount,
		Currency:          currency,
		Status:            domain.ContributionStatusPending,
		CreatedAt:         s.now(),
	}
	if err := s.repo.CreateContribution(ctx, contribution); err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	log := s.logger.With(
		zap.String("contribution_id", contribution.ID.String()),
		zap.String("event_id", event.ID.String()),
		zap.Int64("amount", contribution.Amount),
	)

	resp, err := s.gateway.InitiatePayment(ctx, mpesa.PaymentRequest{
		Phone:                  phone,
		Amount:                 contribution.Amount,
		BeneficiaryDestination: event.BeneficiaryDestination,
		CorrelationID:          contribution.ID.String(),
		Description:            "Contribution",
	})
	if err != nil {
		if errors.Is(err, mpesa.ErrGatewayRejected) {
			log.Warn("payment initiation rejected; marking contribution failed", zap.Error(err))
			return nil, &ContributionError{Contribution: s.failRejectedContribution(ctx, contribution, err), Err: err}
		}
		log.Warn("payment gateway unavailable; contribution left pending", zap.Error(err))
		s.publish(ctx, RoutingKeyContributionRequested, newContributionMessage(contribution, s.now()))
		return nil, &ContributionError{Contribution: contribution, Err: err}
	}

	if ref := strings.TrimSpace(resp.ProviderReference()); ref != "" {
		if err := s.repo.AttachProviderRequestID(ctx, contribution.ID, ref); err != nil {
			// The callback still resolves by correlation id.
			log.Error("failed to attach provider request id", zap.String("checkout_request_id", ref), zap.Error(err))
		}
		contribution.ProviderRequestID = &ref
	}

	log.Info("contribution requested", zap.Stringp("checkout_request_id", contribution.ProviderRequestID))
	s.publish(ctx, RoutingKeyContributionRequested, newContributionMessage(contribution, s.now()))
	return contribution, nil
}

func (s *Service) failRejectedContribution(ctx context.Context, contribution *domain.Contribution, cause error) *domain.Contribution {
	reason := cause.Error()
	updated, applied, err := s.repo.ApplySettlement(ctx, contribution.ID, store.ApplySettlementParams{
		Status:        domain.ContributionStatusFailed,
		FailureReason: &reason,
		SettledAt:     s.now(),
	})
	if err != nil {
		s.logger.Error("failed to mark rejected contribution as failed",
			zap.String("contribution_id", contribution.ID.String()),
			zap.Error(err),
		)
		return contribution
	}
	if applied {
		_, _ = s.afterTransition(ctx, updated)
	}
	return updated
}

func (s *Service) consumeContributionRateLimit(ctx context.Context, phone string) error {
	if s.limiter == nil || s.rateLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, contributionRateScope, phone, s.rateLimitPerMinute, contributionRateWindow)
	if err != nil {
		s.logger.Warn("contribution rate limiter unavailable; allowing request", zap.Error(err))
		return nil
	}
	if count > s.rateLimitPerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// afterTransition recomputes the ledger and announces a contribution that just
// reached a terminal state. A recompute error is returned after the announcement;
// the next read or redelivery for the event recomputes again.
func (s *Service) afterTransition(ctx context.Context, contribution *domain.Contribution) (int64, error) {
	raised, err := s.ledger.RecomputeTotal(ctx, contribution.EventID)
	if err != nil {
		s.logger.Error("ledger recompute failed",
			zap.String("event_id", contribution.EventID.String()),
			zap.String("contribution_id", contribution.ID.String()),
			zap.Error(err),
		)
	}
	s.publish(ctx, routingKeyForStatus(contribution.Status), newContributionMessage(contribution, s.now()))
	return raised, err
}

// GetProgress returns how far an event is towards its goal.
func (s *Service) GetProgress(ctx context.Context, eventID uuid.UUID) (*domain.Progress, error) {
	event, err := s.findLiveEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("event_id", event.ID.String()))
	raised := event.Raised
	settled, err := s.repo.SumSettledByEvent(ctx, event.ID)
	switch {
	case err != nil:
		log.Warn("settled sum unavailable; serving cached raised total", zap.Error(err))
	case settled != event.Raised:
		log.Warn("cached raised total is stale; recomputing",
			zap.Int64("cached", event.Raised),
			zap.Int64("settled", settled),
		)
		raised = settled
		if _, err := s.ledger.RecomputeTotal(ctx, event.ID); err != nil {
			log.Error("ledger recompute failed", zap.Error(err))
		}
	}

	progress := computeProgress(event.ID, raised, event.Goal, event.UpdatedAt)
	return &progress, nil
}

// ListContributions returns an event's contributions in creation order with the
// contributor phone masked.
func (s *Service) ListContributions(ctx context.Context, eventID uuid.UUID) ([]domain.ContributionView, error) {
	if _, err := s.findLiveEvent(ctx, eventID); err != nil {
		return nil, err
	}
	contributions, err := s.repo.ListContributionsByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}

	views := make([]domain.ContributionView, 0, len(contributions))
	for _, c := range contributions {
		views = append(views, domain.ContributionView{
			ID:               c.ID,
			ContributorName:  c.ContributorName,
			ContributorPhone: MaskPhone(c.ContributorPhone),
			Amount:           c.Amount,
			Currency:         c.Currency,
			Status:           c.Status,
			CreatedAt:        c.CreatedAt,
			SettledAt:        c.SettledAt,
		})
	}
	return views, nil
}

// SubscribeProgress streams progress for an event. The current progress is delivered
// first; later values arrive as settlements are applied. The subscription ends when
// ctx is done or cancel is called.
func (s *Service) SubscribeProgress(ctx context.Context, eventID uuid.UUID) (<-chan domain.Progress, func(), error) {
	initial, err := s.GetProgress(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	updates, unsubscribe := s.broker.Subscribe(eventID, *initial)

	// A settlement applied between the read above and the registration was
	// published to no one; read again now that this subscriber is listening.
	if current, err := s.GetProgress(ctx, eventID); err == nil {
		s.broker.Publish(*current)
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return updates, cancel, nil
}

// MaskPhone keeps the first two and last two digits of a phone number.
func MaskPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:2] + strings.Repeat("*", len(digits)-4) + digits[len(digits)-2:]
}
