package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"go.uber.org/zap"
)

const (
	maxTitleLen       = 120
	maxDescriptionLen = 2000
	maxMediaPerUpload = 10
)

// CreateEvent creates a fundraising event owned by ownerID.
func (s *Service) CreateEvent(ctx context.Context, ownerID string, req domain.CreateEventRequest) (*domain.Event, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrForbidden
	}

	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		return nil, invalid("title", "is required")
	case utf8.RuneCountInString(title) > maxTitleLen:
		return nil, invalid("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return nil, invalid("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	location := strings.TrimSpace(req.Location)
	if location == "" {
		return nil, invalid("location", "is required")
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if !domain.IsValidCategory(category) {
		return nil, invalid("category", "must be one of wedding, birthday, baby_shower, fundraiser, other")
	}
	if req.Goal <= 0 {
		return nil, invalid("goal", "must be greater than zero")
	}
	beneficiary := strings.TrimSpace(req.BeneficiaryDestination)
	if beneficiary == "" {
		return nil, invalid("beneficiary_destination", "is required")
	}

	visible := true
	if req.Visible != nil {
		visible = *req.Visible
	}

	now := s.now()
	event := &domain.Event{
		ID:                     uuid.New(),
		OwnerID:                ownerID,
		Title:                  title,
		Description:            description,
		Location:               location,
		Category:               category,
		Goal:                   req.Goal,
		Currency:               s.currency,
		BeneficiaryDestination: beneficiary,
		Visible:                visible,
		Status:                 domain.EventStatusActive,
		Media:                  []string{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	s.logger.Info("event created",
		zap.String("event_id", event.ID.String()),
		zap.String("owner_id", ownerID),
		zap.String("category", category),
		zap.Int64("goal", event.Goal),
	)
	return event, nil
}

// GetEvent returns an event that has not been deleted.
func (s *Service) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	return s.findLiveEvent(ctx, eventID)
}

// PublicEventView converts an event for callers other than its owner. The payout
// destination is masked like a contributor phone.
func PublicEventView(event *domain.Event) domain.EventView {
	return domain.EventView{
		ID:                     event.ID,
		Title:                  event.Title,
		Description:            event.Description,
		Location:               event.Location,
		Category:               event.Category,
		Goal:                   event.Goal,
		Raised:                 event.Raised,
		Currency:               event.Currency,
		BeneficiaryDestination: MaskPhone(event.BeneficiaryDestination),
		Visible:                event.Visible,
		Status:                 event.Status,
		Media:                  event.Media,
		CreatedAt:              event.CreatedAt,
	}
}

// SetEventVisibility toggles whether an event is listed publicly.
func (s *Service) SetEventVisibility(ctx context.Context, ownerID string, eventID uuid.UUID, visible bool) (*domain.Event, error) {
	if _, err := s.findOwnedEvent(ctx, ownerID, eventID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateEventVisibility(ctx, eventID, visible); err != nil {
		return nil, fmt.Errorf("failed to update visibility: %w", err)
	}
	return s.repo.FindEventByID(ctx, eventID)
}

// AddEventMedia uploads files and attaches them to the event.
func (s *Service) AddEventMedia(ctx context.Context, ownerID string, eventID uuid.UUID, files []io.Reader) (*domain.Event, error) {
	if s.media == nil {
		return nil, ErrMediaUnavailable
	}
	if len(files) == 0 {
		return nil, invalid("media", "at least one file is required")
	}
	if len(files) > maxMediaPerUpload {
		return nil, invalid("media", fmt.Sprintf("at most %d files per upload", maxMediaPerUpload))
	}
	if _, err := s.findOwnedEvent(ctx, ownerID, eventID); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(files))
	for _, file := range files {
		url, err := s.media.Upload(ctx, file)
		if err != nil {
			s.discardUploads(ctx, urls)
			return nil, fmt.Errorf("failed to upload media: %w", err)
		}
		urls = append(urls, url)
	}

	if err := s.repo.AppendEventMedia(ctx, eventID, urls); err != nil {
		s.discardUploads(ctx, urls)
		return nil, fmt.Errorf("failed to attach media: %w", err)
	}
	s.logger.Info("event media added", zap.String("event_id", eventID.String()), zap.Int("count", len(urls)))
	return s.repo.FindEventByID(ctx, eventID)
}

// DeleteEvent stops an event from accepting contributions and hides it. Contribution
// records are kept. Media is removed from storage on a best-effort basis.
func (s *Service) DeleteEvent(ctx context.Context, ownerID string, eventID uuid.UUID) error {
	event, err := s.findOwnedEvent(ctx, ownerID, eventID)
	if err != nil {
		return err
	}
	if err := s.repo.MarkEventDeleted(ctx, eventID, s.now()); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	s.discardUploads(ctx, event.Media)
	s.logger.Info("event deleted", zap.String("event_id", eventID.String()), zap.String("owner_id", event.OwnerID))
	return nil
}

func (s *Service) discardUploads(ctx context.Context, urls []string) {
	if s.media == nil {
		return
	}
	for _, url := range urls {
		if err := s.media.Delete(ctx, url); err != nil {
			s.logger.Warn("failed to delete media", zap.String("url", url), zap.Error(err))
		}
	}
}

func (s *Service) findLiveEvent(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == domain.EventStatusDeleted {
		return nil, store.ErrEventNotFound
	}
	return event, nil
}

func (s *Service) findOwnedEvent(ctx context.Context, ownerID string, eventID uuid.UUID) (*domain.Event, error) {
	event, err := s.findLiveEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	if strings.TrimSpace(ownerID) == "" || event.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return event, nil
}
