package gormproducts

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type trackedProductRow struct {
	ID                uint64              `gorm:"primaryKey;autoIncrement"`
	ExternalProductID string              `gorm:"size:191;not null;uniqueIndex:uq_source_external"`
	Source            string              `gorm:"size:32;not null;uniqueIndex:uq_source_external"`
	ReferenceURL      *string             `gorm:"size:2048"`
	CurrentPrice      decimal.NullDecimal `gorm:"type:decimal(14,2)"`
	LastCheckedAt     *time.Time          `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (trackedProductRow) TableName() string { return "tracked_products" }

type priceHistoryRow struct {
	ID               uint64            `gorm:"primaryKey;autoIncrement"`
	TrackedProductID uint64            `gorm:"not null;index:idx_history_product_recorded,priority:1"`
	Product          trackedProductRow `gorm:"foreignKey:TrackedProductID;constraint:OnDelete:CASCADE"`
	Price            decimal.Decimal   `gorm:"type:decimal(14,2);not null"`
	RecordedAt       time.Time         `gorm:"not null;index:idx_history_product_recorded,priority:2"`
}

func (priceHistoryRow) TableName() string { return "price_history" }

// Storage is the tracked-product store on MySQL.
type Storage struct {
	db *gorm.DB
}

// New opens dsn (go-sql-driver format, parseTime=true required) and migrates the schema.
func New(dsn string) (*Storage, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect mysql")
	}

	if err := db.AutoMigrate(&trackedProductRow{}, &priceHistoryRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "mysql handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping mysql")
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "mysql handle")
	}
	return sqlDB.Close()
}
