/**
 * @description
 * This file defines the fundraising event model and the DTOs used to create and
 * manage events.
 *
 * @notes
 * - Amounts are `int64` in the unit the payment provider settles in (whole KES for
 *   M-Pesa), which keeps money arithmetic exact.
 * - `Raised` is a cached read value. The ledger recomputes it from settled
 *   contributions; nothing else writes it.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle state of a fundraising event.
type EventStatus string

const (
	EventStatusActive  EventStatus = "active"
	EventStatusDeleted EventStatus = "deleted"
)

// Supported event categories.
const (
	CategoryWedding    = "wedding"
	CategoryBirthday   = "birthday"
	CategoryBabyShower = "baby_shower"
	CategoryFundraiser = "fundraiser"
	CategoryOther      = "other"
)

var validCategories = map[string]struct{}{
	CategoryWedding:    {},
	CategoryBirthday:   {},
	CategoryBabyShower: {},
	CategoryFundraiser: {},
	CategoryOther:      {},
}

// IsValidCategory reports whether category is one of the supported event categories.
func IsValidCategory(category string) bool {
	_, ok := validCategories[strings.ToLower(strings.TrimSpace(category))]
	return ok
}

// Event is a fundraising occasion owned by the user who created it.
type Event struct {
	ID                     uuid.UUID   `json:"id"`
	OwnerID                string      `json:"owner_id"`
	Title                  string      `json:"title"`
	Description            string      `json:"description,omitempty"`
	Location               string      `json:"location"`
	Category               string      `json:"category"`
	Goal                   int64       `json:"goal"`
	Raised                 int64       `json:"raised"`
	Currency               string      `json:"currency"`
	BeneficiaryDestination string      `json:"beneficiary_destination"`
	Visible                bool        `json:"visible"`
	Status                 EventStatus `json:"status"`
	Media                  []string    `json:"media"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
	DeletedAt              *time.Time  `json:"deleted_at,omitempty"`
}

// EventView is the public representation of an event. The owner and the full
// payout destination are left out.
type EventView struct {
	ID                     uuid.UUID   `json:"id"`
	Title                  string      `json:"title"`
	Description            string      `json:"description,omitempty"`
	Location               string      `json:"location"`
	Category               string      `json:"category"`
	Goal                   int64       `json:"goal"`
	Raised                 int64       `json:"raised"`
	Currency               string      `json:"currency"`
	BeneficiaryDestination string      `json:"beneficiary_destination"`
	Visible                bool        `json:"visible"`
	Status                 EventStatus `json:"status"`
	Media                  []string    `json:"media"`
	CreatedAt              time.Time   `json:"created_at"`
}

// AcceptingContributions reports whether new contributions may be recorded against the event.
func (e *Event) AcceptingContributions() bool {
	return e != nil && e.Status == EventStatusActive && e.DeletedAt == nil
}

// CreateEventRequest is the DTO for creating a fundraising event.
type CreateEventRequest struct {
	Title                  string `json:"title"`
	Description            string `json:"description"`
	Location               string `json:"location"`
	Category               string `json:"category"`
	Goal                   int64  `json:"goal"`
	BeneficiaryDestination string `json:"beneficiary_destination"`
	Visible                *bool  `json:"visible,omitempty"`
}

// UpdateVisibilityRequest is the DTO for toggling event visibility.
type UpdateVisibilityRequest struct {
	Visible bool `json:"visible"`
}
