package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"gorm.io/gorm"
)

func createAudienceMembersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_audience_members",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AudienceMemberModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_audience_members_tag ON audience_members (tag, id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AudienceMemberModel{})
		},
	}
}
