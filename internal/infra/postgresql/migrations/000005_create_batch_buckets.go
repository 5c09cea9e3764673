package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

func createBatchBucketsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_batch_buckets",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BucketModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_batch_buckets_recipient_target ON batch_buckets (recipient_id, target_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BucketModel{})
		},
	}
}
