package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
)

// MemoryRepository is a process-local Repository used for tests and local runs.
type MemoryRepository struct {
	mu            sync.RWMutex
	events        map[uuid.UUID]*domain.Event
	contributions map[uuid.UUID]*domain.Contribution
	byEvent       map[uuid.UUID][]uuid.UUID
	byRequestID   map[string]uuid.UUID
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:        make(map[uuid.UUID]*domain.Event),
		contributions: make(map[uuid.UUID]*domain.Contribution),
		byEvent:       make(map[uuid.UUID][]uuid.UUID),
		byRequestID:   make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) CreateEvent(ctx context.Context, event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	r.events[event.ID] = copyEvent(event)
	return nil
}

func (r *MemoryRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, ok := r.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(event), nil
}

func (r *MemoryRepository) UpdateEventVisibility(ctx context.Context, eventID uuid.UUID, visible bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	event.Visible = visible
	event.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) AppendEventMedia(ctx context.Context, eventID uuid.UUID, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	event.Media = append(event.Media, urls...)
	event.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) MarkEventDeleted(ctx context.Context, eventID uuid.UUID, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	event.Status = domain.EventStatusDeleted
	event.DeletedAt = &deletedAt
	event.UpdatedAt = deletedAt
	return nil
}

func (r *MemoryRepository) RecomputeEventRaised(ctx context.Context, eventID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return 0, ErrEventNotFound
	}
	total := r.sumSettledLocked(eventID)
	event.Raised = total
	event.UpdatedAt = time.Now().UTC()
	return total, nil
}

func (r *MemoryRepository) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[contribution.EventID]; !ok {
		return ErrEventNotFound
	}
	if contribution.ID == uuid.Nil {
		contribution.ID = uuid.New()
	}
	now := time.Now().UTC()
	if contribution.CreatedAt.IsZero() {
		contribution.CreatedAt = now
	}
	contribution.UpdatedAt = now
	if contribution.Status == "" {
		contribution.Status = domain.ContributionStatusPending
	}

	r.contributions[contribution.ID] = copyContribution(contribution)
	r.byEvent[contribution.EventID] = append(r.byEvent[contribution.EventID], contribution.ID)
	if contribution.ProviderRequestID != nil {
		r.byRequestID[*contribution.ProviderRequestID] = contribution.ID
	}
	return nil
}

func (r *MemoryRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contribution, ok := r.contributions[contributionID]
	if !ok {
		return nil, ErrContributionNotFound
	}
	return copyContribution(contribution), nil
}

func (r *MemoryRepository) FindContributionByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byRequestID[providerRequestID]
	if !ok {
		return nil, ErrContributionNotFound
	}
	return copyContribution(r.contributions[id]), nil
}

func (r *MemoryRepository) AttachProviderRequestID(ctx context.Context, contributionID uuid.UUID, providerRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	contribution, ok := r.contributions[contributionID]
	if !ok {
		return ErrContributionNotFound
	}
	contribution.ProviderRequestID = &providerRequestID
	contribution.UpdatedAt = time.Now().UTC()
	r.byRequestID[providerRequestID] = contributionID
	return nil
}

func (r *MemoryRepository) ApplySettlement(ctx context.Context, contributionID uuid.UUID, params ApplySettlementParams) (*domain.Contribution, bool, error) {
	if err := validateSettlementParams(params); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	contribution, ok := r.contributions[contributionID]
	if !ok {
		return nil, false, ErrContributionNotFound
	}
	if contribution.Status != domain.ContributionStatusPending {
		return copyContribution(contribution), false, nil
	}

	settledAt := params.SettledAt
	contribution.Status = params.Status
	if params.ProviderReference != nil {
		contribution.ProviderReference = params.ProviderReference
	}
	if params.FailureReason != nil {
		contribution.FailureReason = params.FailureReason
	}
	contribution.SettledAt = &settledAt
	contribution.UpdatedAt = settledAt
	return copyContribution(contribution), true, nil
}

func (r *MemoryRepository) ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byEvent[eventID]
	contributions := make([]domain.Contribution, 0, len(ids))
	for _, id := range ids {
		contributions = append(contributions, *copyContribution(r.contributions[id]))
	}
	return contributions, nil
}

func (r *MemoryRepository) SumSettledByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sumSettledLocked(eventID), nil
}

func (r *MemoryRepository) FindStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []domain.Contribution
	for _, c := range r.contributions {
		if c.Status == domain.ContributionStatusPending && c.ProviderRequestID != nil && c.CreatedAt.Before(createdBefore) {
			stale = append(stale, *copyContribution(c))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) sumSettledLocked(eventID uuid.UUID) int64 {
	var total int64
	for _, id := range r.byEvent[eventID] {
		if c := r.contributions[id]; c.Status == domain.ContributionStatusSettled {
			total += c.Amount
		}
	}
	return total
}

func copyEvent(event *domain.Event) *domain.Event {
	clone := *event
	clone.Media = append([]string(nil), event.Media...)
	if event.DeletedAt != nil {
		deletedAt := *event.DeletedAt
		clone.DeletedAt = &deletedAt
	}
	return &clone
}

func copyContribution(contribution *domain.Contribution) *domain.Contribution {
	clone := *contribution
	return &clone
}
