// Package history keeps the tenant's ledger of settled rent payments.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Driver names a ledger database.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Source identifies the payment rail that settled a receipt.
type Source string

const (
	SourceCrypto      Source = "crypto"
	SourceMobileMoney Source = "mobile_money"
)

// Receipt is one settled rent payment. ID is the gateway payment id or the
// mobile money transaction id, so recording the same settlement twice is a
// no-op. Channel is the crypto asset or the mobile money provider.
type Receipt struct {
	ID           string  `gorm:"primaryKey"`
	LeaseID      string  `gorm:"index;not null"`
	Reference    string  `gorm:"index"`
	Source       Source  `gorm:"not null"`
	Channel      string  `gorm:"size:32"`
	Amount       float64 `gorm:"not null"`
	Currency     string  `gorm:"not null"`
	CryptoAmount float64
	PaidOn       string `gorm:"index;not null"`
	NextDueDate  string
	SettledAt    time.Time
	CreatedAt    time.Time
}

// Ledger stores receipts through gorm.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the ledger database and migrates the schema.
func Open(driver Driver, dsn string) (*Ledger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history: dsn required")
	}
	var dialector gorm.Dialector
	switch Driver(strings.ToLower(strings.TrimSpace(string(driver)))) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("history: db required")
	}
	if err := db.AutoMigrate(&Receipt{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends a receipt. A receipt whose ID is already present is left as
// it was.
func (l *Ledger) Record(ctx context.Context, receipt Receipt) error {
	if strings.TrimSpace(receipt.ID) == "" {
		return errors.New("history: receipt id required")
	}
	if strings.TrimSpace(receipt.LeaseID) == "" {
		return errors.New("history: lease id required")
	}
	if receipt.SettledAt.IsZero() {
		receipt.SettledAt = l.now().UTC()
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt).Error
	if err != nil {
		return fmt.Errorf("history: record %s: %w", receipt.ID, err)
	}
	return nil
}

// List returns receipts oldest first. An empty leaseID lists every lease.
func (l *Ledger) List(ctx context.Context, leaseID string) ([]Receipt, error) {
	query := l.db.WithContext(ctx).Order("paid_on asc").Order("settled_at asc")
	if leaseID = strings.TrimSpace(leaseID); leaseID != "" {
		query = query.Where("lease_id = ?", leaseID)
	}
	var receipts []Receipt
	if err := query.Find(&receipts).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return receipts, nil
}
