package services

import (
	"context"
	"fmt"
	"log"

	"voting-service/internal/config"
	"voting-service/internal/models"
	"voting-service/internal/repository"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const teacherSnapshotKey = "voting:teachers:active"

// CatalogService is the read path into the teacher catalog, fronted by a
// Redis snapshot so a burst of unlocked sessions does not hammer the
// database. The snapshot is dropped when the admin side announces a change.
type CatalogService struct {
	teacherRepo *repository.TeacherRepository
	cache       *repository.CacheRepository
	cfg         config.VotingConfig
}

func NewCatalogService(teacherRepo *repository.TeacherRepository, cache *repository.CacheRepository, cfg config.VotingConfig) *CatalogService {
	return &CatalogService{
		teacherRepo: teacherRepo,
		cache:       cache,
		cfg:         cfg,
	}
}

func (s *CatalogService) ListActive(ctx context.Context) ([]models.TeacherInfo, error) {
	var cached []models.TeacherInfo
	hit, err := s.cache.GetStructCached(ctx, teacherSnapshotKey, &cached)
	if err != nil {
		log.Printf("Warning: teacher snapshot cache read failed: %v", err)
	}
	if hit {
		return cached, nil
	}

	teachers, err := s.teacherRepo.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load teacher catalog: %w", err)
	}

	infos := make([]models.TeacherInfo, 0, len(teachers))
	for _, teacher := range teachers {
		infos = append(infos, models.TeacherInfo{
			ID:          teacher.ID.Hex(),
			Name:        teacher.Name,
			Gender:      teacher.Gender,
			Subjects:    teacher.Subjects,
			Description: teacher.Description,
		})
	}

	if err := s.cache.SaveStructCached(ctx, teacherSnapshotKey, infos, s.cfg.TeacherCacheTTL); err != nil {
		log.Printf("Warning: teacher snapshot cache write failed: %v", err)
	}

	return infos, nil
}

// InvalidateSnapshot drops the cached teacher list, forcing the next read to
// hit the database.
func (s *CatalogService) InvalidateSnapshot(ctx context.Context) error {
	return s.cache.Delete(ctx, teacherSnapshotKey)
}

// GetImage serves one teacher image, 1-based by number, through the Redis
// image cache.
func (s *CatalogService) GetImage(ctx context.Context, teacherID string, number int) ([]byte, error) {
	if number < 1 {
		number = 1
	}

	cacheKey := fmt.Sprintf("voting:image:%s:%d", teacherID, number)
	cached, err := s.cache.GetBytes(ctx, cacheKey)
	if err != nil {
		log.Printf("Warning: image cache read failed: %v", err)
	}
	if cached != nil {
		return cached, nil
	}

	objectID, err := bson.ObjectIDFromHex(teacherID)
	if err != nil {
		return nil, fmt.Errorf("invalid teacher ID format: %w", err)
	}

	images, err := s.teacherRepo.FindImages(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load teacher images: %w", err)
	}
	if len(images) < number {
		return nil, nil
	}

	img := images[number-1].Image
	if err := s.cache.SaveBytes(ctx, cacheKey, img, s.cfg.ImageCacheTTL); err != nil {
		log.Printf("Warning: image cache write failed: %v", err)
	}

	return img, nil
}
