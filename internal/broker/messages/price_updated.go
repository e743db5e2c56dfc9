package messages

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdated is published once per product resolved by a re-check, changed or not.
type PriceUpdated struct {
	TrackedProductID  uint64              `json:"tracked_product_id"`
	ExternalProductID string              `json:"external_product_id"`
	Source            string              `json:"source"`
	Price             decimal.Decimal     `json:"price"`
	PreviousPrice     decimal.NullDecimal `json:"previous_price"`
	Changed           bool                `json:"changed"`
	CheckedAt         time.Time           `json:"checked_at"`
}

func NewPriceUpdated(id uint64, externalID, source string, price decimal.Decimal, prev decimal.NullDecimal, checkedAt time.Time) PriceUpdated {
	return PriceUpdated{
		TrackedProductID:  id,
		ExternalProductID: externalID,
		Source:            source,
		Price:             price,
		PreviousPrice:     prev,
		Changed:           !prev.Valid || !prev.Decimal.Equal(price),
		CheckedAt:         checkedAt,
	}
}

// Key partitions events by product.
func (m PriceUpdated) Key() []byte {
	return []byte(strconv.FormatUint(m.TrackedProductID, 10))
}
