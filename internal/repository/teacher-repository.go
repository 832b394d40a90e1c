package repository

import (
	"context"
	"fmt"

	"voting-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// TeacherRepository is the read path into the teacher catalog. Teacher
// records are owned by the admin side; this service never writes them.
type TeacherRepository struct {
	teachers *mongo.Collection
	images   *mongo.Collection
}

func NewTeacherRepository(db *mongo.Database) *TeacherRepository {
	return &TeacherRepository{
		teachers: db.Collection("teachers"),
		images:   db.Collection("images"),
	}
}

func (r *TeacherRepository) FindActive(ctx context.Context) ([]*models.Teacher, error) {
	opts := options.Find()
	opts.SetSort(bson.M{"name": 1})

	cursor, err := r.teachers.Find(ctx, bson.M{"disabled": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find active teachers: %w", err)
	}
	defer cursor.Close(ctx)

	var teachers []*models.Teacher
	if err = cursor.All(ctx, &teachers); err != nil {
		return nil, fmt.Errorf("failed to decode teachers: %w", err)
	}

	return teachers, nil
}

func (r *TeacherRepository) FindImages(ctx context.Context, teacherID bson.ObjectID) ([]*models.TeacherImage, error) {
	cursor, err := r.images.Find(ctx, bson.M{"teacherId": teacherID, "disabled": false})
	if err != nil {
		return nil, fmt.Errorf("failed to find teacher images: %w", err)
	}
	defer cursor.Close(ctx)

	var images []*models.TeacherImage
	if err = cursor.All(ctx, &images); err != nil {
		return nil, fmt.Errorf("failed to decode teacher images: %w", err)
	}

	return images, nil
}

func (r *TeacherRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "disabled", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "name", Value: 1}},
		},
	}

	if _, err := r.teachers.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create teacher indexes: %w", err)
	}

	imageIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "teacherId", Value: 1}},
		},
	}

	if _, err := r.images.Indexes().CreateMany(ctx, imageIndexes); err != nil {
		return fmt.Errorf("failed to create image indexes: %w", err)
	}

	return nil
}
