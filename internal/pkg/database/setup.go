package database

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// Options controls SetupDatabase.
type Options struct {
	DSN         string
	AutoMigrate bool
	Debug       bool
}

// SetupDatabase opens the MySQL connection, retrying while the server comes
// up. AutoMigrate is meant for development; production schemas come from the
// SQL migrations.
func SetupDatabase(opts Options) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if opts.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       opts.DSN, // data source name
			DefaultStringSize:         256,      // default size for string fields
			DisableDatetimePrecision:  true,     // disable datetime precision, which not supported before MySQL 5.6
			DontSupportRenameIndex:    true,     // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,     // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false,    // auto configure based on currently MySQL version
		}), gormCfg)
		if err == nil {
			break
		}

		log.Warn().Err(err).Int("attempt", i+1).Int("max", maxRetries).Msg("[Database] Failed to connect")
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if opts.AutoMigrate {
		if err := Migrate(DB); err != nil {
			return nil, err
		}
	}
	return DB, nil
}

// Migrate creates or updates the billing tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.BillingModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func GetDB() *gorm.DB {
	return DB
}
