/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the events and contributions tables.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Settlement is a conditional UPDATE on status = 'pending', so concurrent
 *   duplicate callbacks cannot both apply.
 * - The raised total is recomputed while holding the event row lock, so two
 *   settlements on the same event cannot overwrite each other's total.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mshikaki/fundraising-service/internal/domain"
)

//go:embed migrations/0001_fundraising.sql
var postgresSchema string

const foreignKeyViolation = "23503"

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const eventColumns = `id, owner_id, title, description, location, category, goal, raised, currency,
	beneficiary_destination, visible, status, media, created_at, updated_at, deleted_at`

const contributionColumns = `id, event_id, contributor_name, contributor_phone, contributor_user_id, amount,
	currency, status, provider_request_id, provider_reference, failure_reason, created_at, updated_at, settled_at`

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var event domain.Event
	var status string
	err := row.Scan(
		&event.ID,
		&event.OwnerID,
		&event.Title,
		&event.Description,
		&event.Location,
		&event.Category,
		&event.Goal,
		&event.Raised,
		&event.Currency,
		&event.BeneficiaryDestination,
		&event.Visible,
		&status,
		&event.Media,
		&event.CreatedAt,
		&event.UpdatedAt,
		&event.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Status = domain.EventStatus(status)
	return &event, nil
}

func scanContribution(row pgx.Row) (*domain.Contribution, error) {
	var c domain.Contribution
	var status string
	err := row.Scan(
		&c.ID,
		&c.EventID,
		&c.ContributorName,
		&c.ContributorPhone,
		&c.ContributorUserID,
		&c.Amount,
		&c.Currency,
		&status,
		&c.ProviderRequestID,
		&c.ProviderReference,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.ContributionStatus(status)
	return &c, nil
}

// CreateEvent inserts a new event.
func (r *PostgresRepository) CreateEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Media == nil {
		event.Media = []string{}
	}
	query := `
		INSERT INTO events (id, owner_id, title, description, location, category, goal, raised, currency,
			beneficiary_destination, visible, status, media)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		event.ID,
		event.OwnerID,
		event.Title,
		event.Description,
		event.Location,
		event.Category,
		event.Goal,
		event.Currency,
		event.BeneficiaryDestination,
		event.Visible,
		string(event.Status),
		event.Media,
	).Scan(&event.CreatedAt, &event.UpdatedAt)
}

// FindEventByID retrieves an event by its ID.
func (r *PostgresRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	event, err := scanEvent(r.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

func (r *PostgresRepository) UpdateEventVisibility(ctx context.Context, eventID uuid.UUID, visible bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE events SET visible = $2, updated_at = NOW() WHERE id = $1`, eventID, visible)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *PostgresRepository) AppendEventMedia(ctx context.Context, eventID uuid.UUID, urls []string) error {
	tag, err := r.db.Exec(ctx, `UPDATE events SET media = media || $2::text[], updated_at = NOW() WHERE id = $1`, eventID, urls)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkEventDeleted(ctx context.Context, eventID uuid.UUID, deletedAt time.Time) error {
	query := `
		UPDATE events
		SET status = $2, deleted_at = COALESCE(deleted_at, $3), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, eventID, string(domain.EventStatusDeleted), deletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RecomputeEventRaised locks the event row, sums its settled contributions and
// stores the result.
func (r *PostgresRepository) RecomputeEventRaised(ctx context.Context, eventID uuid.UUID) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrEventNotFound
		}
		return 0, fmt.Errorf("failed to lock event: %w", err)
	}

	var total int64
	sumQuery := `
		SELECT COALESCE(SUM(amount), 0)
		FROM contributions
		WHERE event_id = $1 AND status = $2
	`
	if err := tx.QueryRow(ctx, sumQuery, eventID, string(domain.ContributionStatusSettled)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum settled contributions: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE events SET raised = $2, updated_at = NOW() WHERE id = $1`, eventID, total); err != nil {
		return 0, fmt.Errorf("failed to update raised total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit raised total: %w", err)
	}
	return total, nil
}

// CreateContribution inserts a new contribution. The event must exist.
func (r *PostgresRepository) CreateContribution(ctx context.Context, c *domain.Contribution) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ContributionStatusPending
	}
	query := `
		INSERT INTO contributions (id, event_id, contributor_name, contributor_phone, contributor_user_id,
			amount, currency, status, provider_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		c.ID,
		c.EventID,
		c.ContributorName,
		c.ContributorPhone,
		c.ContributorUserID,
		c.Amount,
		c.Currency,
		string(c.Status),
		c.ProviderRequestID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return ErrEventNotFound
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE id = $1`
	c, err := scanContribution(r.db.QueryRow(ctx, query, contributionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) FindContributionByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE provider_request_id = $1`
	c, err := scanContribution(r.db.QueryRow(ctx, query, providerRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) AttachProviderRequestID(ctx context.Context, contributionID uuid.UUID, providerRequestID string) error {
	query := `UPDATE contributions SET provider_request_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, contributionID, providerRequestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrContributionNotFound
	}
	return nil
}

// ApplySettlement transitions a pending contribution. A record that is no longer
// pending is returned as-is with applied=false.
func (r *PostgresRepository) ApplySettlement(ctx context.Context, contributionID uuid.UUID, params ApplySettlementParams) (*domain.Contribution, bool, error) {
	if err := validateSettlementParams(params); err != nil {
		return nil, false, err
	}

	query := `
		UPDATE contributions
		SET status = $2,
			provider_reference = COALESCE($3, provider_reference),
			failure_reason = COALESCE($4, failure_reason),
			settled_at = $5,
			updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + contributionColumns
	c, err := scanContribution(r.db.QueryRow(ctx, query,
		contributionID,
		string(params.Status),
		params.ProviderReference,
		params.FailureReason,
		params.SettledAt,
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to apply settlement: %w", err)
	}

	current, findErr := r.FindContributionByID(ctx, contributionID)
	if findErr != nil {
		return nil, false, findErr
	}
	return current, false, nil
}

func (r *PostgresRepository) ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE event_id = $1 ORDER BY seq ASC`
	return r.queryContributions(ctx, query, eventID)
}

func (r *PostgresRepository) SumSettledByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	var total int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM contributions WHERE event_id = $1 AND status = $2`
	if err := r.db.QueryRow(ctx, query, eventID, string(domain.ContributionStatusSettled)).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *PostgresRepository) FindStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE status = 'pending' AND provider_request_id IS NOT NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.queryContributions(ctx, query, createdBefore, limit)
}

func (r *PostgresRepository) queryContributions(ctx context.Context, query string, args ...interface{}) ([]domain.Contribution, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributions []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return contributions, nil
}
