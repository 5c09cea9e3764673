package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type ConsentRepository interface {
	GetConsent(ctx context.Context, recipientID string, category domain.Category, channel domain.Channel) (*domain.ConsentRecord, error)
	Upsert(ctx context.Context, rec *domain.ConsentRecord) error
}

type GormConsentRepo struct {
	db *gorm.DB
}

func NewGormConsentRepo(db *gorm.DB) *GormConsentRepo {
	return &GormConsentRepo{db: db}
}

func (r *GormConsentRepo) GetConsent(ctx context.Context, recipientID string, category domain.Category, channel domain.Channel) (*domain.ConsentRecord, error) {
	var model ConsentModel
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND category = ? AND channel = ?", recipientID, category, channel).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return consentModelToDomain(&model), nil
}

func (r *GormConsentRepo) Upsert(ctx context.Context, rec *domain.ConsentRecord) error {
	model := consentModelFromDomain(rec)
	if model == nil {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}, {Name: "category"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "expires_at", "updated_at"}),
		}).
		Create(model).Error
}
