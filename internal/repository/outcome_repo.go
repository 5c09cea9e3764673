package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type OutcomeRepository interface {
	Append(ctx context.Context, outcomes []domain.DeliveryOutcome) error
	ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryOutcome, error)
}

type GormOutcomeRepo struct {
	db *gorm.DB
}

func NewGormOutcomeRepo(db *gorm.DB) *GormOutcomeRepo {
	return &GormOutcomeRepo{db: db}
}

func (r *GormOutcomeRepo) Append(ctx context.Context, outcomes []domain.DeliveryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	models := make([]OutcomeModel, 0, len(outcomes))
	for i := range outcomes {
		models = append(models, *outcomeModelFromDomain(&outcomes[i]))
	}
	return r.db.WithContext(ctx).CreateInBatches(&models, 100).Error
}

func (r *GormOutcomeRepo) ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryOutcome, error) {
	var models []OutcomeModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("timestamp ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	outcomes := make([]domain.DeliveryOutcome, 0, len(models))
	for i := range models {
		outcomes = append(outcomes, *outcomeModelToDomain(&models[i]))
	}
	return outcomes, nil
}
