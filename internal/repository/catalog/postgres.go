package catalog

import (
	"context"
	"errors"
	"strings"

	"cartengine/internal/db"
	"cartengine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresRepo{pool: pool, logger: logger.Named("catalog")}
}

func (r *postgresRepo) GetBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	const q = `
SELECT id, variant_id, sku, name, unit_price::text, compare_price::text, currency,
       is_available, availability_message, max_quantity, attributes, created_at
FROM products
WHERE sku = $1
`
	sku = strings.TrimSpace(sku)
	var (
		p            domain.Product
		unitPrice    string
		comparePrice *string
		attrs        []byte
	)
	err := r.pool.QueryRow(ctx, q, sku).Scan(
		&p.ID, &p.VariantID, &p.SKU, &p.Name, &unitPrice, &comparePrice, &p.Currency,
		&p.IsAvailable, &p.AvailabilityMessage, &p.MaxQuantity, &attrs, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug("product not found", zap.String("sku", sku))
			return nil, domain.ErrProductNotFound
		}
		r.logger.Error("get product", zap.String("sku", sku), zap.Error(err))
		return nil, db.Classify(err)
	}
	if p.UnitPrice, err = db.ParseNumeric(unitPrice); err != nil {
		return nil, err
	}
	if p.ComparePrice, err = db.ParseNullNumeric(comparePrice); err != nil {
		return nil, err
	}
	if p.Attributes, err = db.ScanJSON[domain.ItemAttributes](attrs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postgresRepo) Upsert(ctx context.Context, product domain.Product) (*domain.Product, error) {
	const q = `
INSERT INTO products (id, variant_id, sku, name, unit_price, compare_price, currency,
                      is_available, availability_message, max_quantity, attributes)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)
ON CONFLICT (id, variant_id) DO UPDATE SET
    sku = EXCLUDED.sku,
    name = EXCLUDED.name,
    unit_price = EXCLUDED.unit_price,
    compare_price = EXCLUDED.compare_price,
    currency = EXCLUDED.currency,
    is_available = EXCLUDED.is_available,
    availability_message = EXCLUDED.availability_message,
    max_quantity = EXCLUDED.max_quantity,
    attributes = EXCLUDED.attributes
RETURNING created_at
`
	attrs, err := db.JSONArg(product.Attributes)
	if err != nil {
		return nil, err
	}
	res := product
	err = r.pool.QueryRow(ctx, q,
		product.ID,
		product.VariantID,
		product.SKU,
		product.Name,
		product.UnitPrice.String(),
		db.NumericArg(product.ComparePrice),
		product.Currency,
		product.IsAvailable,
		product.AvailabilityMessage,
		product.MaxQuantity,
		attrs,
	).Scan(&res.CreatedAt)
	if err != nil {
		r.logger.Error("upsert product", zap.String("sku", product.SKU), zap.Error(err))
		return nil, db.Classify(err)
	}
	r.logger.Debug("product upserted", zap.String("id", res.ID), zap.String("sku", res.SKU))
	return &res, nil
}
