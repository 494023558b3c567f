package database

import (
	"errors"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearNegativeViewDurations = "2026-03-01_clear_negative_view_durations"
	migrationDropAuthenticatedViewIPs   = "2026-03-08_drop_authenticated_view_ips"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationClearNegativeViewDurations, apply: clearNegativeViewDurations},
	{name: migrationDropAuthenticatedViewIPs, apply: dropAuthenticatedViewIPs},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearNegativeViewDurations nulls durations written before non-negative validation existed.
func clearNegativeViewDurations(db *gorm.DB) error {
	return db.Model(&views.ViewEvent{}).
		Where("view_duration < 0").
		Update("view_duration", gorm.Expr("NULL")).Error
}

// dropAuthenticatedViewIPs removes addresses stored alongside a known viewer.
func dropAuthenticatedViewIPs(db *gorm.DB) error {
	return db.Model(&views.ViewEvent{}).
		Where("viewer_id IS NOT NULL AND ip_address IS NOT NULL").
		Update("ip_address", gorm.Expr("NULL")).Error
}
