package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

func createRequestsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_requests",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RequestModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_requests_recipient_created ON requests (recipient_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_requests_deferred_due ON requests (not_before) WHERE status = 'DEFERRED'`,
				`CREATE INDEX IF NOT EXISTS idx_requests_idempotency_key ON requests (idempotency_key) WHERE idempotency_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_requests_batch_id ON requests (batch_id) WHERE batch_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RequestModel{})
		},
	}
}
