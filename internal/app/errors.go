package app

import (
	"errors"
	"fmt"

	"github.com/mshikaki/fundraising-service/internal/domain"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrEventClosed      = errors.New("event is not accepting contributions")
	ErrForbidden        = errors.New("only the event owner can perform this action")
	ErrRateLimited      = errors.New("too many contribution attempts")
	ErrAmountMismatch   = errors.New("settled amount does not match the contribution amount")
	ErrMediaUnavailable = errors.New("media storage is not configured")
)

// ValidationError describes bad input. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RateLimitError is returned when a contributor exceeds the attempt limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited.Error(), e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ContributionError carries the persisted record alongside a gateway failure so the
// caller can show its state (failed or still pending) and offer a fresh attempt.
type ContributionError struct {
	Contribution *domain.Contribution
	Err          error
}

func (e *ContributionError) Error() string {
	if e.Contribution == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("contribution %s: %v", e.Contribution.ID, e.Err)
}

func (e *ContributionError) Unwrap() error {
	return e.Err
}
