package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type RecipientRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
	Upsert(ctx context.Context, r *domain.Recipient) error
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

func (r *GormRecipientRepo) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	var model RecipientModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recipientModelToDomain(&model), nil
}

func (r *GormRecipientRepo) Upsert(ctx context.Context, recipient *domain.Recipient) error {
	model := recipientModelFromDomain(recipient)
	if model == nil {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"timezone", "contacts", "updated_at"}),
		}).
		Create(model).Error
}
