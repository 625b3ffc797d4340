package migration

import (
	auditdomain "github.com/fiskalwerk/rksv/internal/audit/domain"
	cashregisterdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	"github.com/fiskalwerk/rksv/internal/config"
	counterdomain "github.com/fiskalwerk/rksv/internal/counter/domain"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite/mysql dev installs use the model schema directly.
		return conn.AutoMigrate(
			&cashregisterdomain.CashRegister{},
			&counterdomain.CounterRecord{},
			&receiptdomain.SignedReceipt{},
			&auditdomain.AuditLog{},
		)
	}),
)
