/**
 * @description
 * This file contains the core business logic for the fundraising service. The `Service`
 * struct is the single entry point for the presentation layer: it coordinates the
 * repository, the M-Pesa gateway, the ledger aggregator and the message broker.
 *
 * Key features:
 * - Contribution intents with synchronous gateway initiation and asynchronous settlement.
 * - Idempotent settlement application driven by provider callbacks and reconciliation.
 * - Event management (create, visibility, media, soft delete).
 * - A single subscribe-to-progress primitive backed by the in-process progress broker.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - go.uber.org/zap: Structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/mpesa, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"github.com/mshikaki/fundraising-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultCurrency       = "KES"
	contributionRateScope = "contribution"
	publishTimeout        = 5 * time.Second
)

// PaymentGateway is the subset of the M-Pesa client the service depends on.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req mpesa.PaymentRequest) (*mpesa.PaymentResponse, error)
	QueryPayment(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// MediaStore persists event photos and videos.
type MediaStore interface {
	Upload(ctx context.Context, file io.Reader) (string, error)
	Delete(ctx context.Context, mediaURL string) error
}

// ContributionRateLimiter counts attempts per subject within a fixed window.
type ContributionRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options tunes service behaviour. Zero values fall back to defaults.
type Options struct {
	Currency        string
	AmountTolerance int64
	LedgerExchange  string
}

// Service provides the core business logic for event fundraising.
type Service struct {
	repo     store.Repository
	gateway  PaymentGateway
	producer rabbitmq.Publisher
	ledger   *Ledger
	broker   *ProgressBroker
	media    MediaStore
	logger   *zap.Logger

	limiter            ContributionRateLimiter
	rateLimitPerMinute int

	currency        string
	amountTolerance int64
	exchange        string
	now             func() time.Time
}

// NewService creates a new fundraising service instance.
func NewService(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher, broker *ProgressBroker, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if broker == nil {
		broker = NewProgressBroker()
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	exchange := strings.TrimSpace(opts.LedgerExchange)
	if exchange == "" {
		exchange = DefaultLedgerExchange
	}
	tolerance := opts.AmountTolerance
	if tolerance < 0 {
		tolerance = 0
	}

	logger = logger.With(zap.String("component", "fundraising_service"))
	return &Service{
		repo:            repo,
		gateway:         gateway,
		producer:        producer,
		ledger:          NewLedger(repo, broker, producer, exchange, logger),
		broker:          broker,
		logger:          logger,
		currency:        currency,
		amountTolerance: tolerance,
		exchange:        exchange,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetMediaStore enables media uploads for events.
func (s *Service) SetMediaStore(media MediaStore) {
	s.media = media
}

// SetContributionRateLimiter enables per-phone throttling of contribution attempts.
func (s *Service) SetContributionRateLimiter(limiter ContributionRateLimiter, perMinute int) {
	s.limiter = limiter
	s.rateLimitPerMinute = perMinute
}

// Ledger exposes the aggregator that owns the cached raised totals.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.producer.Publish(publishCtx, s.exchange, routingKey, body); err != nil {
		s.logger.Warn("ledger event publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
