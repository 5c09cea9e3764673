package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

func createDeliveryOutcomesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_outcomes",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OutcomeModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_outcomes_request_id ON delivery_outcomes (request_id, timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_outcomes_provider_message_id ON delivery_outcomes (provider_message_id) WHERE provider_message_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OutcomeModel{})
		},
	}
}
