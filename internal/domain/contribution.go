package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContributionStatus is the lifecycle state of a contribution attempt.
type ContributionStatus string

const (
	ContributionStatusPending   ContributionStatus = "pending"
	ContributionStatusSettled   ContributionStatus = "settled"
	ContributionStatusFailed    ContributionStatus = "failed"
	ContributionStatusCancelled ContributionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s ContributionStatus) IsTerminal() bool {
	switch s {
	case ContributionStatusSettled, ContributionStatusFailed, ContributionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s may move to next. Only pending records move,
// and only into a terminal state.
func (s ContributionStatus) CanTransitionTo(next ContributionStatus) bool {
	return s == ContributionStatusPending && next.IsTerminal()
}

// Contribution is a single attempted gift towards an event.
// Amount is fixed at creation; only the settlement fields change afterwards.
type Contribution struct {
	ID                uuid.UUID          `json:"id"`
	EventID           uuid.UUID          `json:"event_id"`
	ContributorName   string             `json:"contributor_name"`
	ContributorPhone  string             `json:"contributor_phone"`
	ContributorUserID *string            `json:"contributor_user_id,omitempty"`
	Amount            int64              `json:"amount"`
	Currency          string             `json:"currency"`
	Status            ContributionStatus `json:"status"`
	ProviderRequestID *string            `json:"provider_request_id,omitempty"`
	ProviderReference *string            `json:"provider_reference,omitempty"`
	FailureReason     *string            `json:"failure_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	SettledAt         *time.Time         `json:"settled_at,omitempty"`
}

// ContributionRequest is the DTO for submitting a contribution intent.
type ContributionRequest struct {
	ContributorName  string `json:"contributor_name"`
	ContributorPhone string `json:"contributor_phone"`
	Amount           int64  `json:"amount"`
}

// ContributionView is the public, display-safe projection of a contribution.
type ContributionView struct {
	ID               uuid.UUID          `json:"id"`
	ContributorName  string             `json:"contributor_name"`
	ContributorPhone string             `json:"contributor_phone"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Status           ContributionStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	SettledAt        *time.Time         `json:"settled_at,omitempty"`
}

// SettlementOutcome is the final result a payment provider reports for an attempt.
type SettlementOutcome string

const (
	SettlementSucceeded SettlementOutcome = "succeeded"
	SettlementFailed    SettlementOutcome = "failed"
	SettlementCancelled SettlementOutcome = "cancelled"
)

// ContributionStatus maps a provider outcome onto the contribution state machine.
func (o SettlementOutcome) ContributionStatus() (ContributionStatus, bool) {
	switch o {
	case SettlementSucceeded:
		return ContributionStatusSettled, true
	case SettlementFailed:
		return ContributionStatusFailed, true
	case SettlementCancelled:
		return ContributionStatusCancelled, true
	default:
		return "", false
	}
}

// SettlementEvent is a provider notification normalized for the ledger.
type SettlementEvent struct {
	CorrelationID     string            `json:"correlation_id"`
	ProviderRequestID string            `json:"provider_request_id"`
	ProviderReference string            `json:"provider_reference"`
	Outcome           SettlementOutcome `json:"outcome"`
	Amount            int64             `json:"amount"`
	AmountReported    bool              `json:"amount_reported"`
	Phone             string            `json:"phone,omitempty"`
	ResultCode        int               `json:"result_code"`
	ResultDesc        string            `json:"result_desc"`
	SettledAt         *time.Time        `json:"settled_at,omitempty"`
}

// SettlementResult reports what applying a SettlementEvent did.
type SettlementResult struct {
	Contribution *Contribution `json:"contribution"`
	Duplicate    bool          `json:"duplicate"`
	Raised       int64         `json:"raised"`
}

// Progress is the fundraising progress of an event.
type Progress struct {
	EventID    uuid.UUID `json:"event_id"`
	Raised     int64     `json:"raised"`
	Goal       int64     `json:"goal"`
	Percentage float64   `json:"percentage"`
	UpdatedAt  time.Time `json:"updated_at"`
}
