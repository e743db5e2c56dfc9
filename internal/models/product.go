package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Source string

// Marketplaces we track.
const (
	SourceAmazon       Source = "amazon"
	SourceMercadoLibre Source = "mercadolibre"
)

type TrackedProduct struct {
	ID                uint64
	ExternalProductID string
	Source            Source
	ReferenceURL      *string
	CurrentPrice      decimal.NullDecimal
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PriceHistoryEntry is append-only: one row per successful re-check.
type PriceHistoryEntry struct {
	ID               uint64
	TrackedProductID uint64
	Price            decimal.Decimal
	RecordedAt       time.Time
}

type TrackedProductCreateInput struct {
	ExternalProductID string
	Source            Source
	ReferenceURL      string
}
