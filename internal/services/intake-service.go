package services

import (
	"context"
	"errors"
	"log"

	"voting-service/internal/models"
	"voting-service/internal/repository"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// IntakeService applies admin-side events to local state. The admin service
// is the only producer of vote codes; this service just records what it is
// told. Deliveries may repeat, so every handler is idempotent.
type IntakeService struct {
	codeRepo *repository.VoteCodeRepository
	catalog  *CatalogService
}

func NewIntakeService(codeRepo *repository.VoteCodeRepository, catalog *CatalogService) *IntakeService {
	return &IntakeService{
		codeRepo: codeRepo,
		catalog:  catalog,
	}
}

func (s *IntakeService) HandleCodeIssued(ctx context.Context, code string, expiresAt int64) error {
	_, err := s.codeRepo.Create(ctx, &models.VoteCode{
		Code:      code,
		State:     models.CodeStateUnused,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			log.Printf("Vote code %s already present, skipping", code)
			return nil
		}
		return err
	}

	log.Printf("Seeded vote code %s", code)
	return nil
}

func (s *IntakeService) HandleCodeRevoked(ctx context.Context, code string) error {
	if err := s.codeRepo.Disable(ctx, code); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			log.Printf("Revoked vote code %s not found, skipping", code)
			return nil
		}
		return err
	}

	log.Printf("Disabled vote code %s", code)
	return nil
}

func (s *IntakeService) HandleTeacherUpdated(ctx context.Context) error {
	if err := s.catalog.InvalidateSnapshot(ctx); err != nil {
		return err
	}

	log.Println("Teacher snapshot invalidated")
	return nil
}
