package coupon

import (
	"context"
	"errors"

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
	return &postgresRepo{pool: pool, logger: logger.Named("coupons")}
}

// GetByCode returns the definition of an active coupon. Codes are matched
// after normalization.
func (r *postgresRepo) GetByCode(ctx context.Context, code string) (*domain.CouponDefinition, error) {
	const q = `
SELECT type, value::text, minimum_purchase::text, max_discount::text
FROM coupons
WHERE code = $1 AND active
`
	code = domain.NormalizeCouponCode(code)
	var (
		def         domain.CouponDefinition
		typ         string
		value       string
		minimum     *string
		maxDiscount *string
	)
	err := r.pool.QueryRow(ctx, q, code).Scan(&typ, &value, &minimum, &maxDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug("coupon not found", zap.String("code", code))
			return nil, domain.ErrCouponNotFound
		}
		r.logger.Error("get coupon", zap.String("code", code), zap.Error(err))
		return nil, db.Classify(err)
	}
	def.Type = domain.CouponType(typ)
	if def.Value, err = db.ParseNumeric(value); err != nil {
		return nil, err
	}
	if def.MinimumPurchase, err = db.ParseNullNumeric(minimum); err != nil {
		return nil, err
	}
	if def.MaxDiscount, err = db.ParseNullNumeric(maxDiscount); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *postgresRepo) Upsert(ctx context.Context, code string, def domain.CouponDefinition, active bool) error {
	const q = `
INSERT INTO coupons (code, type, value, minimum_purchase, max_discount, active)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)
ON CONFLICT (code) DO UPDATE SET
    type = EXCLUDED.type,
    value = EXCLUDED.value,
    minimum_purchase = EXCLUDED.minimum_purchase,
    max_discount = EXCLUDED.max_discount,
    active = EXCLUDED.active
`
	code = domain.NormalizeCouponCode(code)
	_, err := r.pool.Exec(ctx, q,
		code,
		string(def.Type),
		def.Value.String(),
		db.NumericArg(def.MinimumPurchase),
		db.NumericArg(def.MaxDiscount),
		active,
	)
	if err != nil {
		r.logger.Error("upsert coupon", zap.String("code", code), zap.Error(err))
		return db.Classify(err)
	}
	r.logger.Debug("coupon upserted", zap.String("code", code), zap.Bool("active", active))
	return nil
}
