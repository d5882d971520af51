package app

import (
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
)

// DefaultLedgerExchange is the topic exchange ledger events are published to.
const DefaultLedgerExchange = "fundraising.events"

// Routing keys for ledger events.
const (
	RoutingKeyContributionRequested = "contribution.requested"
	RoutingKeyContributionSettled   = "contribution.settled"
	RoutingKeyContributionFailed    = "contribution.failed"
	RoutingKeyContributionCancelled = "contribution.cancelled"
	RoutingKeyProgressUpdated       = "ledger.progress.updated"
)

// ContributionMessage is published whenever a contribution is created or settles.
type ContributionMessage struct {
	ContributionID    uuid.UUID                 `json:"contribution_id"`
	EventID           uuid.UUID                 `json:"event_id"`
	Amount            int64                     `json:"amount"`
	Currency          string                    `json:"currency"`
	Status            domain.ContributionStatus `json:"status"`
	ProviderRequestID *string                   `json:"provider_request_id,omitempty"`
	ProviderReference *string                   `json:"provider_reference,omitempty"`
	FailureReason     *string                   `json:"failure_reason,omitempty"`
	OccurredAt        time.Time                 `json:"occurred_at"`
}

func newContributionMessage(c *domain.Contribution, at time.Time) ContributionMessage {
	return ContributionMessage{
		ContributionID:    c.ID,
		EventID:           c.EventID,
		Amount:            c.Amount,
		Currency:          c.Currency,
		Status:            c.Status,
		ProviderRequestID: c.ProviderRequestID,
		ProviderReference: c.ProviderReference,
		FailureReason:     c.FailureReason,
		OccurredAt:        at,
	}
}

func routingKeyForStatus(status domain.ContributionStatus) string {
	switch status {
	case domain.ContributionStatusSettled:
		return RoutingKeyContributionSettled
	case domain.ContributionStatusFailed:
		return RoutingKeyContributionFailed
	case domain.ContributionStatusCancelled:
		return RoutingKeyContributionCancelled
	default:
		return RoutingKeyContributionRequested
	}
}
