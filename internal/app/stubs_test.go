package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

type gatewayStub struct {
	mu           sync.Mutex
	initiateErr  error
	requests     []mpesa.PaymentRequest
	queryResults map[string]*mpesa.QueryResult
	queryErrs    map[string]error
	queried      []string
}

func (g *gatewayStub) InitiatePayment(ctx context.Context, req mpesa.PaymentRequest) (*mpesa.PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return &mpesa.PaymentResponse{
		Accepted:          true,
		MerchantRequestID: "29115-" + req.CorrelationID,
		CheckoutRequestID: "ws_CO_" + req.CorrelationID,
	}, nil
}

func (g *gatewayStub) QueryPayment(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, checkoutRequestID)
	if err, ok := g.queryErrs[checkoutRequestID]; ok {
		return nil, err
	}
	if result, ok := g.queryResults[checkoutRequestID]; ok {
		return result, nil
	}
	return nil, mpesa.ErrPaymentPending
}

func (g *gatewayStub) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		keys = append(keys, m.routingKey)
	}
	return keys
}

type mediaStub struct {
	mu        sync.Mutex
	uploaded  int
	deleted   []string
	uploadErr error
}

func (m *mediaStub) Upload(ctx context.Context, file io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploaded++
	return fmt.Sprintf("https://res.cloudinary.com/demo/image/upload/v1/events/photo%d.jpg", m.uploaded), nil
}

func (m *mediaStub) Delete(ctx context.Context, mediaURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, mediaURL)
	return nil
}

type rateLimiterStub struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (r *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, 0, r.err
	}
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[scope+":"+subject]++
	return r.counts[scope+":"+subject], 42, nil
}

var errLedgerUnavailable = errors.New("ledger store unavailable")

// flakyRecomputeRepo fails the next `failures` raised-total recomputes.
type flakyRecomputeRepo struct {
	*store.MemoryRepository
	failures atomic.Int32
}

func (r *flakyRecomputeRepo) RecomputeEventRaised(ctx context.Context, eventID uuid.UUID) (int64, error) {
	if r.failures.Add(-1) >= 0 {
		return 0, errLedgerUnavailable
	}
	return r.MemoryRepository.RecomputeEventRaised(ctx, eventID)
}

// sumHookRepo runs afterSum once, after the next settled sum has been read and
// before it is returned.
type sumHookRepo struct {
	*store.MemoryRepository
	mu       sync.Mutex
	afterSum func()
}

func (r *sumHookRepo) SumSettledByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	total, err := r.MemoryRepository.SumSettledByEvent(ctx, eventID)
	r.mu.Lock()
	hook := r.afterSum
	r.afterSum = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return total, err
}

func newTestService(t *testing.T, gateway *gatewayStub) (*Service, *store.MemoryRepository, *publisherStub) {
	t.Helper()
	repo := store.NewMemoryRepository()
	producer := &publisherStub{}
	svc := NewService(repo, gateway, producer, NewProgressBroker(), zap.NewNop(), Options{})
	return svc, repo, producer
}

func seedEvent(t *testing.T, svc *Service, goal int64) *domain.Event {
	t.Helper()
	event, err := svc.CreateEvent(context.Background(), "user_owner", domain.CreateEventRequest{
		Title:                  "Wanjiku & Otieno wedding",
		Location:               "Nairobi",
		Category:               domain.CategoryWedding,
		Goal:                   goal,
		BeneficiaryDestination: "174379",
	})
	if err != nil {
		t.Fatalf("CreateEvent returned error: %v", err)
	}
	return event
}

func requestContribution(t *testing.T, svc *Service, event *domain.Event, amount int64) *domain.Contribution {
	t.Helper()
	c, err := svc.RequestContribution(context.Background(), event.ID, nil, domain.ContributionRequest{
		ContributorName:  "Amina",
		ContributorPhone: "0712345678",
		Amount:           amount,
	})
	if err != nil {
		t.Fatalf("RequestContribution returned error: %v", err)
	}
	return c
}

func succeeded(c *domain.Contribution, amount int64) domain.SettlementEvent {
	return domain.SettlementEvent{
		CorrelationID:     c.ID.String(),
		ProviderRequestID: "ws_CO_" + c.ID.String(),
		ProviderReference: "NLJ7RT61SV",
		Outcome:           domain.SettlementSucceeded,
		Amount:            amount,
		AmountReported:    true,
		ResultDesc:        "The service request is processed successfully.",
	}
}
