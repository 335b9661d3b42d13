package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cartengine/internal/db"
	"cartengine/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepo struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgres returns a Store backed by Postgres. Mutations run in a
// transaction holding a row lock on the cart and bump its version.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) Store {
	return &postgresRepo{pool: pool, opts: buildOptions(opts)}
}

const cartColumns = `id::text, user_id, session_id, status, currency, applied_coupons, summary, version, expires_at, created_at, updated_at`

func ownerPredicate(owner domain.OwnerKey) (string, string) {
	if owner.UserID != "" {
		return "user_id = $1", owner.UserID
	}
	return "session_id = $1", owner.SessionID
}

func (r *postgresRepo) GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error) {
	if err := seed.Owner.Validate(); err != nil {
		return nil, err
	}
	pred, ownerID := ownerPredicate(seed.Owner)
	now := r.opts.clock()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, db.Classify(err)
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
UPDATE carts
SET status = 'EXPIRED', version = version + 1, updated_at = $2
WHERE `+pred+` AND status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $2
`, ownerID, now)
	if err != nil {
		return nil, db.Classify(err)
	}
	if cmd.RowsAffected() > 0 {
		r.opts.logger.Info("expired stale cart on access", zap.String("owner", seed.Owner.String()))
	}

	coupons, summary, err := encodeCartJSON(seed)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO carts (id, user_id, session_id, status, currency, applied_coupons, summary, version, expires_at, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT DO NOTHING
`, seed.ID, seed.Owner.UserID, seed.Owner.SessionID, seed.Status, seed.Currency, coupons, summary,
		seed.Version, seed.ExpiresAt, seed.CreatedAt, seed.UpdatedAt); err != nil {
		return nil, db.Classify(err)
	}

	c, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE `+pred+` AND status = 'ACTIVE'`, ownerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.Classify(err)
	}
	return c, nil
}

func (r *postgresRepo) FindActive(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	pred, ownerID := ownerPredicate(owner)
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE `+pred+` AND status = 'ACTIVE'`, ownerID)
}

// validID rejects ids the uuid column could never hold.
func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: id %q", domain.ErrCartNotFound, id)
	}
	return nil
}

func (r *postgresRepo) Load(ctx context.Context, id string) (*domain.Cart, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, id)
}

func (r *postgresRepo) Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Cart, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, db.Classify(err)
	}
	defer tx.Rollback(ctx)

	c, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if err := checkMutable(c, r.opts.clock()); err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := writeCart(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.Classify(err)
	}
	return c, nil
}

func (r *postgresRepo) Absorb(ctx context.Context, sourceID, targetID string, fn AbsorbFunc) (*domain.Cart, error) {
	if err := validID(sourceID); err != nil {
		return nil, err
	}
	if err := validID(targetID); err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, db.Classify(err)
	}
	defer tx.Rollback(ctx)

	// Lock both rows in id order so concurrent merges cannot deadlock.
	if _, err := tx.Exec(ctx, `SELECT id FROM carts WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, []string{sourceID, targetID}); err != nil {
		return nil, db.Classify(err)
	}
	source, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, targetID)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	if err := checkMutable(target, r.opts.clock()); err != nil {
		return nil, err
	}
	if err := fn(source, target); err != nil {
		return nil, err
	}
	if err := writeCart(ctx, tx, target); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM carts WHERE id = $1`, sourceID); err != nil {
		return nil, db.Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.Classify(err)
	}
	return target, nil
}

func (r *postgresRepo) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	cmd, err := r.pool.Exec(ctx, `DELETE FROM carts WHERE id = $1`, id)
	if err != nil {
		return db.Classify(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrCartNotFound
	}
	return nil
}

const expiredPredicate = `session_id IS NOT NULL AND status IN ('ACTIVE', 'EXPIRED') AND expires_at IS NOT NULL AND expires_at <= $2`

func (r *postgresRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.sweep(ctx, expiredPredicate, `expires_at`, now, limit)
}

func (r *postgresRepo) PurgeConverted(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.sweep(ctx, `status = 'CONVERTED' AND updated_at < $2`, `updated_at`, cutoff, limit)
}

// sweep selects candidates, then deletes each row with the predicate
// re-evaluated at delete time. Every delete commits on its own so no lock is
// held longer than one row.
func (r *postgresRepo) sweep(ctx context.Context, pred, order string, at time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
SELECT id::text FROM carts
WHERE `+pred+`
ORDER BY `+order+`
LIMIT $1
`, limit, at)
	if err != nil {
		return 0, db.Classify(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, db.Classify(err)
	}

	deleted := 0
	for _, id := range ids {
		cmd, err := r.pool.Exec(ctx, `DELETE FROM carts WHERE id = $1 AND `+pred, id, at)
		if err != nil {
			return deleted, db.Classify(err)
		}
		deleted += int(cmd.RowsAffected())
	}
	return deleted, nil
}

func encodeCartJSON(c *domain.Cart) ([]byte, []byte, error) {
	coupons := c.AppliedCoupons
	if coupons == nil {
		coupons = []domain.AppliedCoupon{}
	}
	couponsJSON, err := json.Marshal(coupons)
	if err != nil {
		return nil, nil, fmt.Errorf("encode coupons: %w", err)
	}
	summaryJSON, err := json.Marshal(c.Summary)
	if err != nil {
		return nil, nil, fmt.Errorf("encode summary: %w", err)
	}
	return couponsJSON, summaryJSON, nil
}

// writeCart persists the header with a version check and replaces all lines.
func writeCart(ctx context.Context, tx pgx.Tx, c *domain.Cart) error {
	coupons, summary, err := encodeCartJSON(c)
	if err != nil {
		return err
	}
	cmd, err := tx.Exec(ctx, `
UPDATE carts
SET status = $3, applied_coupons = $4, summary = $5, expires_at = $6, updated_at = $7, version = version + 1
WHERE id = $1 AND version = $2
`, c.ID, c.Version, c.Status, coupons, summary, c.ExpiresAt, c.UpdatedAt)
	if err != nil {
		return db.Classify(err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: cart %s version %d", domain.ErrConcurrentModification, c.ID, c.Version)
	}
	c.Version++

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM cart_items WHERE cart_id = $1`, c.ID)
	batch.Queue(`DELETE FROM saved_items WHERE cart_id = $1`, c.ID)
	for i, it := range c.Items {
		attrs, err := db.JSONArg(it.Attributes)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO cart_items (cart_id, position, product_id, variant_id, name, sku, unit_price, compare_price,
                        quantity, max_quantity, is_available, availability_message, attributes, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14)
`, c.ID, i, it.ProductID, it.VariantID, it.Name, it.SKU, it.UnitPrice.String(), db.NumericArg(it.ComparePrice),
			it.Quantity, it.MaxQuantity, it.IsAvailable, it.AvailabilityMessage, attrs, it.AddedAt)
	}
	for i, it := range c.SavedForLater {
		attrs, err := db.JSONArg(it.Attributes)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO saved_items (cart_id, position, product_id, variant_id, name, sku, unit_price, compare_price,
                         max_quantity, is_available, availability_message, attributes, saved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
`, c.ID, i, it.ProductID, it.VariantID, it.Name, it.SKU, it.UnitPrice.String(), db.NumericArg(it.ComparePrice),
			it.MaxQuantity, it.IsAvailable, it.AvailabilityMessage, attrs, it.SavedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return db.Classify(err)
	}
	return nil
}

func fetchCart(ctx context.Context, q querier, cartQuery string, args ...any) (*domain.Cart, error) {
	var (
		c           domain.Cart
		userID      *string
		sessionID   *string
		couponsJSON []byte
		summaryJSON []byte
	)
	err := q.QueryRow(ctx, cartQuery, args...).Scan(
		&c.ID,
		&userID,
		&sessionID,
		&c.Status,
		&c.Currency,
		&couponsJSON,
		&summaryJSON,
		&c.Version,
		&c.ExpiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCartNotFound
		}
		return nil, db.Classify(err)
	}
	if userID != nil {
		c.Owner.UserID = *userID
	}
	if sessionID != nil {
		c.Owner.SessionID = *sessionID
	}
	if err := json.Unmarshal(couponsJSON, &c.AppliedCoupons); err != nil {
		return nil, fmt.Errorf("decode coupons cart_id=%s: %w", c.ID, err)
	}
	if err := json.Unmarshal(summaryJSON, &c.Summary); err != nil {
		return nil, fmt.Errorf("decode summary cart_id=%s: %w", c.ID, err)
	}
	if len(c.AppliedCoupons) == 0 {
		c.AppliedCoupons = []domain.AppliedCoupon{}
	}

	if c.Items, err = fetchItems(ctx, q, c.ID); err != nil {
		return nil, err
	}
	if c.SavedForLater, err = fetchSaved(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

func fetchItems(ctx context.Context, q querier, cartID string) ([]domain.CartItem, error) {
	rows, err := q.Query(ctx, `
SELECT product_id, variant_id, name, sku, unit_price::text, compare_price::text, quantity, max_quantity,
       is_available, availability_message, attributes, added_at
FROM cart_items
WHERE cart_id = $1
ORDER BY position ASC
`, cartID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	items := []domain.CartItem{}
	for rows.Next() {
		var (
			it      domain.CartItem
			price   string
			compare *string
			attrs   []byte
		)
		if err := rows.Scan(&it.ProductID, &it.VariantID, &it.Name, &it.SKU, &price, &compare, &it.Quantity,
			&it.MaxQuantity, &it.IsAvailable, &it.AvailabilityMessage, &attrs, &it.AddedAt); err != nil {
			return nil, db.Classify(err)
		}
		if it.UnitPrice, err = db.ParseNumeric(price); err != nil {
			return nil, err
		}
		if it.ComparePrice, err = db.ParseNullNumeric(compare); err != nil {
			return nil, err
		}
		if it.Attributes, err = db.ScanJSON[domain.ItemAttributes](attrs); err != nil {
			return nil, fmt.Errorf("decode attributes cart_id=%s: %w", cartID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return items, nil
}

func fetchSaved(ctx context.Context, q querier, cartID string) ([]domain.SavedItem, error) {
	rows, err := q.Query(ctx, `
SELECT product_id, variant_id, name, sku, unit_price::text, compare_price::text, max_quantity,
       is_available, availability_message, attributes, saved_at
FROM saved_items
WHERE cart_id = $1
ORDER BY position ASC
`, cartID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	items := []domain.SavedItem{}
	for rows.Next() {
		var (
			it      domain.SavedItem
			price   string
			compare *string
			attrs   []byte
		)
		if err := rows.Scan(&it.ProductID, &it.VariantID, &it.Name, &it.SKU, &price, &compare,
			&it.MaxQuantity, &it.IsAvailable, &it.AvailabilityMessage, &attrs, &it.SavedAt); err != nil {
			return nil, db.Classify(err)
		}
		if it.UnitPrice, err = db.ParseNumeric(price); err != nil {
			return nil, err
		}
		if it.ComparePrice, err = db.ParseNullNumeric(compare); err != nil {
			return nil, err
		}
		if it.Attributes, err = db.ScanJSON[domain.ItemAttributes](attrs); err != nil {
			return nil, fmt.Errorf("decode attributes cart_id=%s: %w", cartID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return items, nil
}
