package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Ledger owns the raised total of every event. The total is always derived from
// settled contributions; the event's cached field is written only through here.
type Ledger struct {
	repo     store.Repository
	broker   *ProgressBroker
	producer rabbitmq.Publisher
	exchange string
	logger   *zap.Logger
}

// NewLedger creates the aggregator.
func NewLedger(repo store.Repository, broker *ProgressBroker, producer rabbitmq.Publisher, exchange string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:     repo,
		broker:   broker,
		producer: producer,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "ledger")),
	}
}

// RecomputeTotal sums the settled contributions of an event, stores the result as
// the event's raised total and announces the new progress. Calling it again with no
// intervening settlement yields the same value.
func (l *Ledger) RecomputeTotal(ctx context.Context, eventID uuid.UUID) (int64, error) {
	raised, err := l.repo.RecomputeEventRaised(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute raised total: %w", err)
	}

	event, err := l.repo.FindEventByID(ctx, eventID)
	if err != nil {
		l.logger.Warn("raised total stored but event reload failed", zap.String("event_id", eventID.String()), zap.Error(err))
		return raised, nil
	}

	progress := computeProgress(eventID, raised, event.Goal, time.Now().UTC())
	l.broker.Publish(progress)

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := l.producer.Publish(publishCtx, l.exchange, RoutingKeyProgressUpdated, progress); err != nil {
		l.logger.Warn("progress publish failed", zap.String("event_id", eventID.String()), zap.Error(err))
	}

	l.logger.Info("raised total recomputed",
		zap.String("event_id", eventID.String()),
		zap.Int64("raised", raised),
		zap.Int64("goal", event.Goal),
	)
	return raised, nil
}

// computeProgress returns raised/goal as a percentage rounded to two decimals and
// clamped to [0, 100].
func computeProgress(eventID uuid.UUID, raised, goal int64, at time.Time) domain.Progress {
	progress := domain.Progress{
		EventID:   eventID,
		Raised:    raised,
		Goal:      goal,
		UpdatedAt: at,
	}
	if goal <= 0 || raised <= 0 {
		return progress
	}
	if raised >= goal {
		progress.Percentage = 100
		return progress
	}

	pct := decimal.NewFromInt(raised).Mul(hundred).Div(decimal.NewFromInt(goal)).Round(2)
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	progress.Percentage = pct.InexactFloat64()
	return progress
}
