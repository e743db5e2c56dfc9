package pgproducts

import (
	"context"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("tracked product not found")

// Prices travel as text so NUMERIC keeps its exact value on both sides.
const productColumns = `
  id, external_product_id, source, reference_url,
  current_price::text, last_checked_at,
  created_at, updated_at`

func (s *Storage) CreateOrGetTrackedProducts(ctx context.Context, items []models.TrackedProductCreateInput) ([]*models.TrackedProduct, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var refURL *string
		if it.ReferenceURL != "" {
			u := it.ReferenceURL
			refURL = &u
		}
		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO tracked_products (
  external_product_id, source, reference_url, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (source, external_product_id)
DO UPDATE SET reference_url = COALESCE(EXCLUDED.reference_url, tracked_products.reference_url)
RETURNING id
`, it.ExternalProductID, string(it.Source), refURL, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert tracked product")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetTrackedProductsByIDs(ctx, ids)
}

func (s *Storage) GetTrackedProductsByIDs(ctx context.Context, ids []uint64) ([]*models.TrackedProduct, error) {
	if len(ids) == 0 {
		return []*models.TrackedProduct{}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT`+productColumns+`
FROM tracked_products
WHERE id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select tracked products")
	}
	return collectProducts(rows)
}

func (s *Storage) ListAllTrackedProducts(ctx context.Context) ([]*models.TrackedProduct, error) {
	rows, err := s.db.Query(ctx, `SELECT`+productColumns+`
FROM tracked_products
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select all tracked products")
	}
	return collectProducts(rows)
}

// UpdateTrackedProductPrice records price as of checkedAt. A check older than last_checked_at
// leaves the row untouched. It returns the price stored before the call.
func (s *Storage) UpdateTrackedProductPrice(ctx context.Context, id uint64, price decimal.Decimal, checkedAt time.Time) (decimal.NullDecimal, error) {
	var prev *string
	err := s.db.QueryRow(ctx, `
WITH old AS (
  SELECT id, current_price, last_checked_at FROM tracked_products WHERE id = $1 FOR UPDATE
), upd AS (
  UPDATE tracked_products t
  SET current_price = $2::text::numeric,
      last_checked_at = $3::timestamptz,
      updated_at = now()
  FROM old
  WHERE t.id = old.id
    AND (old.last_checked_at IS NULL OR $3::timestamptz >= old.last_checked_at)
  RETURNING t.id
)
SELECT old.current_price::text FROM old
`, id, price.String(), checkedAt.UTC()).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.NullDecimal{}, errors.Wrapf(ErrProductNotFound, "id %d", id)
	}
	if err != nil {
		return decimal.NullDecimal{}, errors.Wrap(err, "update tracked product price")
	}
	return parseNullDecimal(prev)
}

func (s *Storage) AppendPriceHistory(ctx context.Context, id uint64, price decimal.Decimal, recordedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO price_history (tracked_product_id, price, recorded_at)
VALUES ($1, $2::text::numeric, $3)
`, id, price.String(), recordedAt.UTC())
	return errors.Wrap(err, "insert price history")
}

func (s *Storage) ListPriceHistory(ctx context.Context, id uint64, limit, offset int) ([]*models.PriceHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, tracked_product_id, price::text, recorded_at
FROM price_history
WHERE tracked_product_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2 OFFSET $3
`, id, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select price history")
	}
	defer rows.Close()

	out := []*models.PriceHistoryEntry{}
	for rows.Next() {
		var e models.PriceHistoryEntry
		var price string
		if err := rows.Scan(&e.ID, &e.TrackedProductID, &price, &e.RecordedAt); err != nil {
			return nil, errors.Wrap(err, "scan price history")
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, errors.Wrap(err, "parse history price")
		}
		e.Price = d
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func collectProducts(rows pgx.Rows) ([]*models.TrackedProduct, error) {
	defer rows.Close()

	out := []*models.TrackedProduct{}
	for rows.Next() {
		var p models.TrackedProduct
		var source string
		var price *string
		if err := rows.Scan(
			&p.ID, &p.ExternalProductID, &source, &p.ReferenceURL,
			&price, &p.LastCheckedAt,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracked product")
		}
		p.Source = models.Source(source)
		cp, err := parseNullDecimal(price)
		if err != nil {
			return nil, err
		}
		p.CurrentPrice = cp
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, errors.Wrap(err, "parse price")
	}
	return decimal.NewNullDecimal(d), nil
}
