package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"gorm.io/gorm"
)

func createBroadcastRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_broadcast_recipients",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RecipientModel{}); err != nil {
				return err
			}
			statements := []string{
				`ALTER TABLE broadcast_recipients ADD CONSTRAINT fk_broadcast_recipients_job FOREIGN KEY (job_id) REFERENCES broadcast_jobs (id) ON DELETE CASCADE`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_broadcast_recipients_job_target ON broadcast_recipients (job_id, target)`,
				`CREATE INDEX IF NOT EXISTS idx_broadcast_recipients_claim ON broadcast_recipients (job_id, status, id)`,
				`CREATE INDEX IF NOT EXISTS idx_broadcast_recipients_sending ON broadcast_recipients (job_id, updated_at) WHERE status = 'sending'`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecipientModel{})
		},
	}
}
