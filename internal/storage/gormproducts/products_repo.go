package gormproducts

import (
	"context"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProductNotFound = errors.New("tracked product not found")

func (s *Storage) CreateOrGetTrackedProducts(ctx context.Context, items []models.TrackedProductCreateInput) ([]*models.TrackedProduct, error) {
	ids := make([]uint64, 0, len(items))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, it := range items {
			var row trackedProductRow
			err := tx.Where("source = ? AND external_product_id = ?", string(it.Source), it.ExternalProductID).
				Take(&row).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row = trackedProductRow{ExternalProductID: it.ExternalProductID, Source: string(it.Source)}
				if it.ReferenceURL != "" {
					u := it.ReferenceURL
					row.ReferenceURL = &u
				}
				if err := tx.Create(&row).Error; err != nil {
					return errors.Wrap(err, "insert tracked product")
				}
			case err != nil:
				return errors.Wrap(err, "select tracked product")
			case row.ReferenceURL == nil && it.ReferenceURL != "":
				if err := tx.Model(&row).Update("reference_url", it.ReferenceURL).Error; err != nil {
					return errors.Wrap(err, "set reference url")
				}
			}
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTrackedProductsByIDs(ctx, ids)
}

func (s *Storage) GetTrackedProductsByIDs(ctx context.Context, ids []uint64) ([]*models.TrackedProduct, error) {
	if len(ids) == 0 {
		return []*models.TrackedProduct{}, nil
	}
	var rows []trackedProductRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "select tracked products")
	}
	return toModels(rows), nil
}

func (s *Storage) ListAllTrackedProducts(ctx context.Context) ([]*models.TrackedProduct, error) {
	var rows []trackedProductRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "select all tracked products")
	}
	return toModels(rows), nil
}

// UpdateTrackedProductPrice records price as of checkedAt. A check older than last_checked_at
// leaves the row untouched. It returns the price stored before the call.
func (s *Storage) UpdateTrackedProductPrice(ctx context.Context, id uint64, price decimal.Decimal, checkedAt time.Time) (decimal.NullDecimal, error) {
	var prev decimal.NullDecimal
	checkedAt = checkedAt.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row trackedProductRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&row, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(ErrProductNotFound, "id %d", id)
		}
		if err != nil {
			return errors.Wrap(err, "lock tracked product")
		}
		prev = row.CurrentPrice

		if row.LastCheckedAt != nil && checkedAt.Before(*row.LastCheckedAt) {
			return nil
		}
		updates := map[string]any{"current_price": price, "last_checked_at": checkedAt}
		return errors.Wrap(tx.Model(&row).Updates(updates).Error, "update tracked product price")
	})
	return prev, err
}

func (s *Storage) AppendPriceHistory(ctx context.Context, id uint64, price decimal.Decimal, recordedAt time.Time) error {
	row := priceHistoryRow{TrackedProductID: id, Price: price, RecordedAt: recordedAt.UTC()}
	return errors.Wrap(s.db.WithContext(ctx).Omit("Product").Create(&row).Error, "insert price history")
}

func (s *Storage) ListPriceHistory(ctx context.Context, id uint64, limit, offset int) ([]*models.PriceHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var rows []priceHistoryRow
	err := s.db.WithContext(ctx).
		Where("tracked_product_id = ?", id).
		Order("recorded_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select price history")
	}
	out := make([]*models.PriceHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.PriceHistoryEntry{
			ID:               r.ID,
			TrackedProductID: r.TrackedProductID,
			Price:            r.Price,
			RecordedAt:       r.RecordedAt.UTC(),
		})
	}
	return out, nil
}

func toModels(rows []trackedProductRow) []*models.TrackedProduct {
	out := make([]*models.TrackedProduct, 0, len(rows))
	for _, r := range rows {
		p := &models.TrackedProduct{
			ID:                r.ID,
			ExternalProductID: r.ExternalProductID,
			Source:            models.Source(r.Source),
			ReferenceURL:      r.ReferenceURL,
			CurrentPrice:      r.CurrentPrice,
			CreatedAt:         r.CreatedAt.UTC(),
			UpdatedAt:         r.UpdatedAt.UTC(),
		}
		if r.LastCheckedAt != nil {
			t := r.LastCheckedAt.UTC()
			p.LastCheckedAt = &t
		}
		out = append(out, p)
	}
	return out
}
