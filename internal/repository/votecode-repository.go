package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voting-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrStateConflict is returned when a compare-and-swap transition matched no
// document: either the code does not exist or another request already moved
// it out of the expected state. Callers re-read and reclassify.
var ErrStateConflict = errors.New("vote code state conflict")

type VoteCodeRepository struct {
	collection *mongo.Collection
}

func NewVoteCodeRepository(db *mongo.Database) *VoteCodeRepository {
	return &VoteCodeRepository{
		collection: db.Collection("votecodes"),
	}
}

func (r *VoteCodeRepository) Create(ctx context.Context, voteCode *models.VoteCode) (*models.VoteCode, error) {
	if voteCode.ID.IsZero() {
		voteCode.ID = bson.NewObjectID()
	}
	if voteCode.State == "" {
		voteCode.State = models.CodeStateUnused
	}
	if voteCode.CreatedAt == 0 {
		voteCode.CreatedAt = time.Now().Unix()
	}

	_, err := r.collection.InsertOne(ctx, voteCode)
	if err != nil {
		return nil, fmt.Errorf("failed to insert vote code: %w", err)
	}
	return voteCode, nil
}

func (r *VoteCodeRepository) FindByCode(ctx context.Context, code string) (*models.VoteCode, error) {
	var voteCode models.VoteCode
	err := r.collection.FindOne(ctx, bson.M{"code": code}).Decode(&voteCode)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &voteCode, nil
}

// SetChallenge atomically moves a code from the given state to challenged and
// installs the fresh token. Any previously stored token is overwritten, so at
// most one challenge token is ever live for a code.
func (r *VoteCodeRepository) SetChallenge(ctx context.Context, code string, from models.CodeState, token string) (*models.VoteCode, error) {
	return r.transition(ctx,
		bson.M{"code": code, "state": from, "disabled": false},
		bson.M{"state": models.CodeStateChallenged, "challengeToken": token, "continuationKey": ""},
	)
}

// Unlock atomically moves a code from challenged to unlocked, guarded by the
// challenge token it was issued, and stores the continuation key the client
// must present at submit time.
func (r *VoteCodeRepository) Unlock(ctx context.Context, code, token, continuationKey string) (*models.VoteCode, error) {
	return r.transition(ctx,
		bson.M{"code": code, "state": models.CodeStateChallenged, "challengeToken": token, "disabled": false},
		bson.M{"state": models.CodeStateUnlocked, "continuationKey": continuationKey},
	)
}

func (r *VoteCodeRepository) transition(ctx context.Context, filter, set bson.M) (*models.VoteCode, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.VoteCode
	err := r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("failed to transition vote code: %w", err)
	}
	return &updated, nil
}

func (r *VoteCodeRepository) Disable(ctx context.Context, code string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"code": code},
		bson.M{"$set": bson.M{"disabled": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to disable vote code: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (r *VoteCodeRepository) CountByState(ctx context.Context, state models.CodeState) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"state": state})
	if err != nil {
		return 0, fmt.Errorf("failed to count vote codes: %w", err)
	}
	return count, nil
}

func (r *VoteCodeRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "state", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "createdAt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create vote code indexes: %w", err)
	}

	return nil
}
