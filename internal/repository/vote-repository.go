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

// VoteRepository is the append-only vote recorder. Rows are only ever
// inserted, and only inside SubmitBatch together with the ledger flip.
type VoteRepository struct {
	client    *mongo.Client
	votes     *mongo.Collection
	voteCodes *mongo.Collection
}

func NewVoteRepository(client *mongo.Client, db *mongo.Database) *VoteRepository {
	return &VoteRepository{
		client:    client,
		votes:     db.Collection("votes"),
		voteCodes: db.Collection("votecodes"),
	}
}

// SubmitBatch records every vote of one submission and marks the code spent
// in a single transaction. Either all rows land and the code flips from
// unlocked to spent, or nothing is written and the code stays unlocked. When
// two submissions race on the same code, the compare-and-swap on the ledger
// row lets exactly one transaction through; the loser gets ErrStateConflict.
func (r *VoteRepository) SubmitBatch(ctx context.Context, code, continuationKey string, votes []*models.Vote) error {
	if len(votes) == 0 {
		return fmt.Errorf("empty vote batch")
	}

	now := time.Now().Unix()
	docs := make([]any, 0, len(votes))
	for _, vote := range votes {
		if vote.ID.IsZero() {
			vote.ID = bson.NewObjectID()
		}
		if vote.SubmittedAt == 0 {
			vote.SubmittedAt = now
		}
		vote.VoteCodeRef = code
		docs = append(docs, vote)
	}

	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		filter := bson.M{
			"code":            code,
			"state":           models.CodeStateUnlocked,
			"continuationKey": continuationKey,
			"disabled":        false,
		}
		update := bson.M{"$set": bson.M{
			"state":           models.CodeStateSpent,
			"challengeToken":  "",
			"continuationKey": "",
		}}

		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var spent models.VoteCode
		if err := r.voteCodes.FindOneAndUpdate(ctx, filter, update, opts).Decode(&spent); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ErrStateConflict
			}
			return nil, fmt.Errorf("failed to spend vote code: %w", err)
		}

		if _, err := r.votes.InsertMany(ctx, docs); err != nil {
			return nil, fmt.Errorf("failed to insert votes: %w", err)
		}

		return nil, nil
	})

	return err
}

func (r *VoteRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "teacherId", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "voteCodeRef", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "submittedAt", Value: -1}},
		},
	}

	_, err := r.votes.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create vote indexes: %w", err)
	}

	return nil
}
