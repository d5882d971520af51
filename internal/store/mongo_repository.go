package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	eventsCollection        = "events"
	contributionsCollection = "contributions"
	countersCollection      = "counters"
)

type eventDocument struct {
	ID                     string     `bson:"_id"`
	OwnerID                string     `bson:"owner_id"`
	Title                  string     `bson:"title"`
	Description            string     `bson:"description"`
	Location               string     `bson:"location"`
	Category               string     `bson:"category"`
	Goal                   int64      `bson:"goal"`
	Raised                 int64      `bson:"raised"`
	Currency               string     `bson:"currency"`
	BeneficiaryDestination string     `bson:"beneficiary_destination"`
	Visible                bool       `bson:"visible"`
	Status                 string     `bson:"status"`
	Media                  []string   `bson:"media"`
	CreatedAt              time.Time  `bson:"created_at"`
	UpdatedAt              time.Time  `bson:"updated_at"`
	DeletedAt              *time.Time `bson:"deleted_at,omitempty"`
}

type contributionDocument struct {
	ID                string     `bson:"_id"`
	Seq               int64      `bson:"seq"`
	EventID           string     `bson:"event_id"`
	ContributorName   string     `bson:"contributor_name"`
	ContributorPhone  string     `bson:"contributor_phone"`
	ContributorUserID *string    `bson:"contributor_user_id,omitempty"`
	Amount            int64      `bson:"amount"`
	Currency          string     `bson:"currency"`
	Status            string     `bson:"status"`
	ProviderRequestID *string    `bson:"provider_request_id,omitempty"`
	ProviderReference *string    `bson:"provider_reference,omitempty"`
	FailureReason     *string    `bson:"failure_reason,omitempty"`
	CreatedAt         time.Time  `bson:"created_at"`
	UpdatedAt         time.Time  `bson:"updated_at"`
	SettledAt         *time.Time `bson:"settled_at,omitempty"`
}

func toEventDocument(e *domain.Event) eventDocument {
	media := e.Media
	if media == nil {
		media = []string{}
	}
	return eventDocument{
		ID:                     e.ID.String(),
		OwnerID:                e.OwnerID,
		Title:                  e.Title,
		Description:            e.Description,
		Location:               e.Location,
		Category:               e.Category,
		Goal:                   e.Goal,
		Raised:                 e.Raised,
		Currency:               e.Currency,
		BeneficiaryDestination: e.BeneficiaryDestination,
		Visible:                e.Visible,
		Status:                 string(e.Status),
		Media:                  media,
		CreatedAt:              e.CreatedAt,
		UpdatedAt:              e.UpdatedAt,
		DeletedAt:              e.DeletedAt,
	}
}

func (d eventDocument) toDomain() (*domain.Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", d.ID, err)
	}
	return &domain.Event{
		ID:                     id,
		OwnerID:                d.OwnerID,
		Title:                  d.Title,
		Description:            d.Description,
		Location:               d.Location,
		Category:               d.Category,
		Goal:                   d.Goal,
		Raised:                 d.Raised,
		Currency:               d.Currency,
		BeneficiaryDestination: d.BeneficiaryDestination,
		Visible:                d.Visible,
		Status:                 domain.EventStatus(d.Status),
		Media:                  d.Media,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		DeletedAt:              d.DeletedAt,
	}, nil
}

func toContributionDocument(c *domain.Contribution, seq int64) contributionDocument {
	return contributionDocument{
		ID:                c.ID.String(),
		Seq:               seq,
		EventID:           c.EventID.String(),
		ContributorName:   c.ContributorName,
		ContributorPhone:  c.ContributorPhone,
		ContributorUserID: c.ContributorUserID,
		Amount:            c.Amount,
		Currency:          c.Currency,
		Status:            string(c.Status),
		ProviderRequestID: c.ProviderRequestID,
		ProviderReference: c.ProviderReference,
		FailureReason:     c.FailureReason,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		SettledAt:         c.SettledAt,
	}
}

func (d contributionDocument) toDomain() (*domain.Contribution, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid contribution id %q: %w", d.ID, err)
	}
	eventID, err := uuid.Parse(d.EventID)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", d.EventID, err)
	}
	return &domain.Contribution{
		ID:                id,
		EventID:           eventID,
		ContributorName:   d.ContributorName,
		ContributorPhone:  d.ContributorPhone,
		ContributorUserID: d.ContributorUserID,
		Amount:            d.Amount,
		Currency:          d.Currency,
		Status:            domain.ContributionStatus(d.Status),
		ProviderRequestID: d.ProviderRequestID,
		ProviderReference: d.ProviderReference,
		FailureReason:     d.FailureReason,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		SettledAt:         d.SettledAt,
	}, nil
}

// MongoRepository is the MongoDB implementation of the Repository interface.
// Events of every category share one collection and are told apart by their category field.
type MongoRepository struct {
	events        *mongo.Collection
	contributions *mongo.Collection
	counters      *mongo.Collection
}

// NewMongoRepository creates a MongoRepository on the given database.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		events:        db.Collection(eventsCollection),
		contributions: db.Collection(contributionsCollection),
		counters:      db.Collection(countersCollection),
	}
}

// EnsureIndexes creates the indexes the queries rely on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.contributions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "provider_request_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"provider_request_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create contribution indexes: %w", err)
	}
	_, err = r.events.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "owner_id", Value: 1}}})
	if err != nil {
		return fmt.Errorf("failed to create event indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) CreateEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	event.Raised = 0

	if _, err := r.events.InsertOne(ctx, toEventDocument(event)); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *MongoRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	var doc eventDocument
	if err := r.events.FindOne(ctx, bson.M{"_id": eventID.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

func (r *MongoRepository) UpdateEventVisibility(ctx context.Context, eventID uuid.UUID, visible bool) error {
	return r.updateEvent(ctx, eventID, bson.M{"$set": bson.M{"visible": visible, "updated_at": time.Now().UTC()}})
}

func (r *MongoRepository) AppendEventMedia(ctx context.Context, eventID uuid.UUID, urls []string) error {
	return r.updateEvent(ctx, eventID, bson.M{
		"$push": bson.M{"media": bson.M{"$each": urls}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

func (r *MongoRepository) MarkEventDeleted(ctx context.Context, eventID uuid.UUID, deletedAt time.Time) error {
	return r.updateEvent(ctx, eventID, bson.M{"$set": bson.M{
		"status":     string(domain.EventStatusDeleted),
		"deleted_at": deletedAt,
		"updated_at": deletedAt,
	}})
}

func (r *MongoRepository) updateEvent(ctx context.Context, eventID uuid.UUID, update bson.M) error {
	res, err := r.events.UpdateOne(ctx, bson.M{"_id": eventID.String()}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RecomputeEventRaised sums settled contributions and stores the total with $max.
// Settled contributions never leave that state, so a later recompute always sees a
// total at least as large, and a slower concurrent writer cannot lower the value.
func (r *MongoRepository) RecomputeEventRaised(ctx context.Context, eventID uuid.UUID) (int64, error) {
	total, err := r.SumSettledByEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{
		"$max": bson.M{"raised": total},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	var doc eventDocument
	if err := r.events.FindOneAndUpdate(ctx, bson.M{"_id": eventID.String()}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrEventNotFound
		}
		return 0, fmt.Errorf("failed to update raised total: %w", err)
	}
	return doc.Raised, nil
}

func (r *MongoRepository) CreateContribution(ctx context.Context, c *domain.Contribution) error {
	count, err := r.events.CountDocuments(ctx, bson.M{"_id": c.EventID.String()})
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrEventNotFound
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ContributionStatusPending
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	seq, err := r.nextSequence(ctx, contributionsCollection)
	if err != nil {
		return err
	}
	if _, err := r.contributions.InsertOne(ctx, toContributionDocument(c, seq)); err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

// nextSequence returns a monotonically increasing number used to keep insertion order.
func (r *MongoRepository) nextSequence(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := r.counters.FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"value": int64(1)}}, opts).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return counter.Value, nil
}

func (r *MongoRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	return r.findContribution(ctx, bson.M{"_id": contributionID.String()})
}

func (r *MongoRepository) FindContributionByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Contribution, error) {
	return r.findContribution(ctx, bson.M{"provider_request_id": providerRequestID})
}

func (r *MongoRepository) findContribution(ctx context.Context, filter bson.M) (*domain.Contribution, error) {
	var doc contributionDocument
	if err := r.contributions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

func (r *MongoRepository) AttachProviderRequestID(ctx context.Context, contributionID uuid.UUID, providerRequestID string) error {
	res, err := r.contributions.UpdateOne(ctx,
		bson.M{"_id": contributionID.String()},
		bson.M{"$set": bson.M{"provider_request_id": providerRequestID, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrContributionNotFound
	}
	return nil
}

// ApplySettlement uses FindOneAndUpdate filtered on status "pending" as the
// compare-and-set, so only one of several concurrent deliveries applies.
func (r *MongoRepository) ApplySettlement(ctx context.Context, contributionID uuid.UUID, params ApplySettlementParams) (*domain.Contribution, bool, error) {
	if err := validateSettlementParams(params); err != nil {
		return nil, false, err
	}

	set := bson.M{
		"status":     string(params.Status),
		"settled_at": params.SettledAt,
		"updated_at": params.SettledAt,
	}
	if params.ProviderReference != nil {
		set["provider_reference"] = *params.ProviderReference
	}
	if params.FailureReason != nil {
		set["failure_reason"] = *params.FailureReason
	}

	filter := bson.M{"_id": contributionID.String(), "status": string(domain.ContributionStatusPending)}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc contributionDocument
	err := r.contributions.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if err == nil {
		c, convErr := doc.toDomain()
		return c, convErr == nil, convErr
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("failed to apply settlement: %w", err)
	}

	current, findErr := r.FindContributionByID(ctx, contributionID)
	if findErr != nil {
		return nil, false, findErr
	}
	return current, false, nil
}

func (r *MongoRepository) ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	return r.findContributions(ctx, bson.M{"event_id": eventID.String()}, opts)
}

func (r *MongoRepository) SumSettledByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"event_id": eventID.String(), "status": string(domain.ContributionStatusSettled)}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}}},
	}
	cursor, err := r.contributions.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to sum settled contributions: %w", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, err
		}
	}
	if err := cursor.Err(); err != nil {
		return 0, err
	}
	return result.Total, nil
}

func (r *MongoRepository) FindStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{
		"status":              string(domain.ContributionStatusPending),
		"provider_request_id": bson.M{"$exists": true},
		"created_at":          bson.M{"$lt": createdBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	return r.findContributions(ctx, filter, opts)
}

func (r *MongoRepository) findContributions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Contribution, error) {
	cursor, err := r.contributions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var contributions []domain.Contribution
	for cursor.Next(ctx) {
		var doc contributionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		c, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, *c)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return contributions, nil
}
