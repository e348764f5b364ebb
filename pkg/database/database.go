package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copytrade-engine/pkg/config"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to postgres and configures the pool
func Open(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.IsDevelopment() {
		level = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.Database.MaxLife)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithField("component", "database").Info("Database connected successfully")
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Account{},
		&models.Balance{},
		&models.Connection{},
		&models.Group{},
		&models.GroupMembership{},
		&models.Order{},
		&models.RestingOrder{},
		&models.MasterTransaction{},
		&models.ReplicaDetail{},
		&models.FeeCharge{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.WithField("component", "database").Info("Database migration completed successfully")
	return nil
}

// seedAccount is a development wallet with its starting quote balance
type seedAccount struct {
	account models.Account
	balance string
}

var seedAccounts = []seedAccount{
	{models.Account{WalletAddress: "DevMasterRegu1ar", Username: "alice", Tier: models.TierRegular, SigningKeyRef: "dev:alice", IsActive: true}, "100"},
	{models.Account{WalletAddress: "DevMasterVip", Username: "bob", Tier: models.TierVIP, SigningKeyRef: "dev:bob", IsActive: true}, "250"},
	{models.Account{WalletAddress: "DevMemberCarol", Username: "carol", Tier: models.TierRegular, SigningKeyRef: "dev:carol", IsActive: true}, "20"},
	{models.Account{WalletAddress: "DevMemberDave", Username: "dave", Tier: models.TierRegular, SigningKeyRef: "dev:dave", IsActive: true}, "5"},
}

// SeedData creates development accounts and balances. Existing wallets are
// left alone, so seeding twice is harmless. Returns the accounts created.
func SeedData(ctx context.Context, store storage.Store, quoteAsset string) ([]models.Account, error) {
	log := logrus.WithField("component", "database")
	var created []models.Account

	for _, seed := range seedAccounts {
		_, err := store.GetAccountByWallet(ctx, seed.account.WalletAddress)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return created, fmt.Errorf("failed to check account %s: %w", seed.account.WalletAddress, err)
		}

		account := seed.account
		if err := store.CreateAccount(ctx, &account); err != nil {
			return created, fmt.Errorf("failed to create account %s: %w", account.WalletAddress, err)
		}
		if err := store.SetBalance(ctx, account.ID, quoteAsset, models.DecimalFromString(seed.balance)); err != nil {
			return created, fmt.Errorf("failed to create balance for %s: %w", account.WalletAddress, err)
		}
		log.WithFields(logrus.Fields{"wallet": account.WalletAddress, "tier": account.Tier}).Info("Created account")
		created = append(created, account)
	}

	log.Info("Database seeding completed successfully")
	return created, nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck pings the database
func HealthCheck(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get sql.DB: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}
