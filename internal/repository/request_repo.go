package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

type RequestRepository interface {
	Upsert(ctx context.Context, rec *domain.RequestRecord) error
	GetByID(ctx context.Context, id string) (*domain.RequestRecord, error)
	GetDueDeferred(ctx context.Context, now time.Time, limit int) ([]domain.RequestRecord, error)
	MarkRequeued(ctx context.Context, id string) (bool, error)
}

type GormRequestRepo struct {
	db *gorm.DB
}

func NewGormRequestRepo(db *gorm.DB) *GormRequestRepo {
	return &GormRequestRepo{db: db}
}

// Upsert inserts the request or refreshes its status columns. The request
// body itself is immutable once stored.
func (r *GormRequestRepo) Upsert(ctx context.Context, rec *domain.RequestRecord) error {
	model := requestModelFromDomain(rec)
	if model == nil {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "defer_reason", "not_before", "updated_at"}),
		}).
		Create(model).Error
}

func (r *GormRequestRepo) GetByID(ctx context.Context, id string) (*domain.RequestRecord, error) {
	var model RequestModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return requestModelToDomain(&model), nil
}

func (r *GormRequestRepo) GetDueDeferred(ctx context.Context, now time.Time, limit int) ([]domain.RequestRecord, error) {
	var models []RequestModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND not_before IS NOT NULL AND not_before <= ?", domain.StatusDeferred, now).
		Order("not_before ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.RequestRecord, 0, len(models))
	for i := range models {
		records = append(records, *requestModelToDomain(&models[i]))
	}
	return records, nil
}

// MarkRequeued flips a deferred request to REQUEUED. It reports false when
// another scanner already claimed it.
func (r *GormRequestRepo) MarkRequeued(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND status = ?", id, domain.StatusDeferred).
		Updates(map[string]any{
			"status":     domain.StatusRequeued,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
