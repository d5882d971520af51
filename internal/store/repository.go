/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access the
 * fundraising service needs. PostgreSQL, MongoDB and in-memory implementations sit
 * behind it and are selected at startup.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
)

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrContributionNotFound = errors.New("contribution not found")
	ErrInvalidTransition    = errors.New("invalid contribution status transition")
)

// ApplySettlementParams carries the terminal state a pending contribution moves into.
type ApplySettlementParams struct {
	Status            domain.ContributionStatus
	ProviderReference *string
	FailureReason     *string
	SettledAt         time.Time
}

// EventRepository covers fundraising event persistence.
type EventRepository interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
	FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error)
	UpdateEventVisibility(ctx context.Context, eventID uuid.UUID, visible bool) error
	AppendEventMedia(ctx context.Context, eventID uuid.UUID, urls []string) error
	MarkEventDeleted(ctx context.Context, eventID uuid.UUID, deletedAt time.Time) error

	// RecomputeEventRaised sums settled contributions for the event and stores the
	// result as the event's cached raised total. It is the only writer of that field
	// and must stay correct when called concurrently for the same event.
	RecomputeEventRaised(ctx context.Context, eventID uuid.UUID) (int64, error)
}

// ContributionRepository covers the append-only contribution ledger.
type ContributionRepository interface {
	CreateContribution(ctx context.Context, contribution *domain.Contribution) error
	FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error)
	FindContributionByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Contribution, error)
	AttachProviderRequestID(ctx context.Context, contributionID uuid.UUID, providerRequestID string) error

	// ApplySettlement moves a pending contribution into a terminal state with a
	// compare-and-set on the current status. If the record is already terminal it is
	// returned unchanged with applied=false.
	ApplySettlement(ctx context.Context, contributionID uuid.UUID, params ApplySettlementParams) (contribution *domain.Contribution, applied bool, err error)

	// ListContributionsByEvent returns contributions in creation order.
	ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error)
	SumSettledByEvent(ctx context.Context, eventID uuid.UUID) (int64, error)
	FindStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	EventRepository
	ContributionRepository
}

func validateSettlementParams(params ApplySettlementParams) error {
	if !domain.ContributionStatusPending.CanTransitionTo(params.Status) {
		return ErrInvalidTransition
	}
	return nil
}
