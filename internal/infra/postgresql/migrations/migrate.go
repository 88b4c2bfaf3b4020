package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/medalert/alert-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createAlertsTable(),
		createDeliveryAttemptsTable(),
		createRecipientsTable(),
		createDevicesTable(),
	})

	return m.Migrate()
}

func createAlertsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_alerts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AlertModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_alerts_state_created ON alerts (state, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_alerts_file_number ON alerts (file_number)`,
				`CREATE INDEX IF NOT EXISTS idx_alerts_escalation ON alerts (severity, last_notified_at) WHERE state = 'PENDING' AND escalation_exhausted = false`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AlertModel{})
		},
	}
}

func createDeliveryAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_attempts_alert_id ON delivery_attempts (alert_id)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_triple_number ON delivery_attempts (alert_id, recipient_id, channel, attempt_number)`,
				`CREATE INDEX IF NOT EXISTS idx_attempts_pending ON delivery_attempts (alert_id) WHERE outcome = 'PENDING'`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
		},
	}
}

func createRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_recipients",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.RecipientModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecipientModel{})
		},
	}
}

func createDevicesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_devices",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.DeviceModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeviceModel{})
		},
	}
}
