package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type BucketRepository interface {
	SaveBucket(ctx context.Context, b domain.BatchBucket) error
	GetByID(ctx context.Context, id string) (*domain.BatchBucket, error)
}

type GormBucketRepo struct {
	db *gorm.DB
}

func NewGormBucketRepo(db *gorm.DB) *GormBucketRepo {
	return &GormBucketRepo{db: db}
}

func (r *GormBucketRepo) SaveBucket(ctx context.Context, b domain.BatchBucket) error {
	model := bucketModelFromDomain(&b)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "event_count", "events", "closed_at"}),
		}).
		Create(model).Error
}

func (r *GormBucketRepo) GetByID(ctx context.Context, id string) (*domain.BatchBucket, error) {
	var model BucketModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bucketModelToDomain(&model), nil
}
