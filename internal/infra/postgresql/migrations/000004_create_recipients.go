package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
)

func createRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_recipients",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.RecipientModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecipientModel{})
		},
	}
}
