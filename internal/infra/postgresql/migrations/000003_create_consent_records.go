package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

func createConsentRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_consent_records",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ConsentModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ConsentModel{})
		},
	}
}
