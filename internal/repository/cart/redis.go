package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"cartengine/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxWatchAttempts bounds internal WATCH retries for GetOrCreate, which has
// no caller-visible state to re-read.
const maxWatchAttempts = 5

type redisRepo struct {
	client *redis.Client
	prefix string
	opts   options
}

// NewRedis returns a Store on Redis. Every write is an optimistic
// WATCH/MULTI/EXEC transaction; a lost race surfaces as
// domain.ErrConcurrentModification.
func NewRedis(client *redis.Client, prefix string, opts ...Option) Store {
	if prefix == "" {
		prefix = "cartengine"
	}
	return &redisRepo{client: client, prefix: prefix, opts: buildOptions(opts)}
}

func (r *redisRepo) cartKey(id string) string { return fmt.Sprintf("%s:cart:%s", r.prefix, id) }
func (r *redisRepo) ownerKey(owner domain.OwnerKey) string {
	return fmt.Sprintf("%s:owner:%s", r.prefix, owner.String())
}
func (r *redisRepo) expiryKey() string    { return r.prefix + ":expiry" }
func (r *redisRepo) convertedKey() string { return r.prefix + ":converted" }

func (r *redisRepo) GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error) {
	if err := seed.Owner.Validate(); err != nil {
		return nil, err
	}
	ownerKey := r.ownerKey(seed.Owner)

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		var out *domain.Cart
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var stale *domain.Cart
			id, err := tx.Get(ctx, ownerKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if err := tx.Watch(ctx, r.cartKey(id)).Err(); err != nil {
					return err
				}
				existing, err := r.get(ctx, tx, id)
				if err != nil && !errors.Is(err, domain.ErrCartNotFound) {
					return err
				}
				if existing != nil && existing.Status == domain.StatusActive {
					if !existing.Expired(r.opts.clock()) {
						out = existing
						return nil
					}
					stale = existing
					stale.Status = domain.StatusExpired
					stale.Version++
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if stale != nil {
					if err := r.queueWrite(ctx, pipe, stale); err != nil {
						return err
					}
				}
				return r.queueWrite(ctx, pipe, seed)
			})
			if err == nil {
				out = seed.Clone()
				if stale != nil {
					r.opts.logger.Info("expired stale cart on access", zap.String("cart_id", stale.ID), zap.String("owner", seed.Owner.String()))
				}
			}
			return err
		}, ownerKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, classifyRedis(err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: owner %s", domain.ErrConcurrentModification, seed.Owner.String())
}

func (r *redisRepo) FindActive(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	id, err := r.client.Get(ctx, r.ownerKey(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, classifyRedis(err)
	}
	c, err := r.get(ctx, r.client, id)
	if err != nil {
		return nil, classifyRedis(err)
	}
	if c.Status != domain.StatusActive {
		return nil, domain.ErrCartNotFound
	}
	return c, nil
}

func (r *redisRepo) Load(ctx context.Context, id string) (*domain.Cart, error) {
	c, err := r.get(ctx, r.client, id)
	if err != nil {
		return nil, classifyRedis(err)
	}
	return c, nil
}

func (r *redisRepo) Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Cart, error) {
	var out *domain.Cart
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkMutable(c, r.opts.clock()); err != nil {
			return err
		}
		if err := tx.Watch(ctx, r.ownerKey(c.Owner)).Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Version++
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.queueWrite(ctx, pipe, c)
		}); err != nil {
			return err
		}
		out = c
		return nil
	}, r.cartKey(id))
	if err != nil {
		return nil, classifyRedis(err)
	}
	return out, nil
}

func (r *redisRepo) Absorb(ctx context.Context, sourceID, targetID string, fn AbsorbFunc) (*domain.Cart, error) {
	var out *domain.Cart
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		source, err := r.get(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		target, err := r.get(ctx, tx, targetID)
		if err != nil {
			return fmt.Errorf("load target: %w", err)
		}
		if err := checkMutable(target, r.opts.clock()); err != nil {
			return err
		}
		sourceOwner := r.ownerKey(source.Owner)
		if err := tx.Watch(ctx, sourceOwner, r.ownerKey(target.Owner)).Err(); err != nil {
			return err
		}
		ownedBySource, err := r.pointsTo(ctx, tx, sourceOwner, sourceID)
		if err != nil {
			return err
		}
		if err := fn(source, target); err != nil {
			return err
		}
		target.Version++
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queueDelete(ctx, pipe, source, ownedBySource)
			return r.queueWrite(ctx, pipe, target)
		}); err != nil {
			return err
		}
		out = target
		return nil
	}, r.cartKey(sourceID), r.cartKey(targetID))
	if err != nil {
		return nil, classifyRedis(err)
	}
	return out, nil
}

func (r *redisRepo) Delete(ctx context.Context, id string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		return r.deleteWatched(ctx, tx, c)
	}, r.cartKey(id))
	return classifyRedis(err)
}

func (r *redisRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.sweep(ctx, r.expiryKey(), now, limit, func(c *domain.Cart) bool { return sweepable(c, now) })
}

func (r *redisRepo) PurgeConverted(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.sweep(ctx, r.convertedKey(), cutoff, limit, func(c *domain.Cart) bool {
		return c.Status == domain.StatusConverted && c.UpdatedAt.Before(cutoff)
	})
}

// sweep walks index entries scored at or before at. Each candidate is
// deleted in its own WATCH transaction after re-checking pred, so a cart
// touched mid-sweep is skipped rather than lost.
func (r *redisRepo) sweep(ctx context.Context, index string, at time.Time, limit int, pred func(*domain.Cart) bool) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := r.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(at.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, classifyRedis(err)
	}

	deleted := 0
	for _, id := range ids {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			c, err := r.get(ctx, tx, id)
			if errors.Is(err, domain.ErrCartNotFound) {
				return tx.ZRem(ctx, index, id).Err()
			}
			if err != nil {
				return err
			}
			if !pred(c) {
				return nil
			}
			if err := r.deleteWatched(ctx, tx, c); err != nil {
				return err
			}
			deleted++
			return nil
		}, r.cartKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			r.opts.logger.Debug("sweep skipped cart modified concurrently", zap.String("cart_id", id))
			continue
		}
		if err != nil {
			return deleted, classifyRedis(err)
		}
	}
	return deleted, nil
}

func (r *redisRepo) deleteWatched(ctx context.Context, tx *redis.Tx, c *domain.Cart) error {
	ownerKey := r.ownerKey(c.Owner)
	if err := tx.Watch(ctx, ownerKey).Err(); err != nil {
		return err
	}
	owned, err := r.pointsTo(ctx, tx, ownerKey, c.ID)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueDelete(ctx, pipe, c, owned)
		return nil
	})
	return err
}

func (r *redisRepo) pointsTo(ctx context.Context, tx *redis.Tx, ownerKey, id string) (bool, error) {
	current, err := tx.Get(ctx, ownerKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == id, nil
}

func (r *redisRepo) queueWrite(ctx context.Context, pipe redis.Pipeliner, c *domain.Cart) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cart %s: %w", c.ID, err)
	}
	pipe.Set(ctx, r.cartKey(c.ID), raw, 0)

	ownerKey := r.ownerKey(c.Owner)
	switch c.Status {
	case domain.StatusActive:
		pipe.Set(ctx, ownerKey, c.ID, 0)
	default:
		// Only the owner's ACTIVE cart is indexed; callers guarantee the
		// index still points at c when it leaves ACTIVE.
		pipe.Del(ctx, ownerKey)
	}

	if c.ExpiresAt != nil && c.Owner.IsGuest() && c.Status != domain.StatusConverted {
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(c.ExpiresAt.UnixMilli()), Member: c.ID})
	} else {
		pipe.ZRem(ctx, r.expiryKey(), c.ID)
	}
	if c.Status == domain.StatusConverted {
		pipe.ZAdd(ctx, r.convertedKey(), redis.Z{Score: float64(c.UpdatedAt.UnixMilli()), Member: c.ID})
	}
	return nil
}

func (r *redisRepo) queueDelete(ctx context.Context, pipe redis.Pipeliner, c *domain.Cart, owned bool) {
	pipe.Del(ctx, r.cartKey(c.ID))
	if owned {
		pipe.Del(ctx, r.ownerKey(c.Owner))
	}
	pipe.ZRem(ctx, r.expiryKey(), c.ID)
	pipe.ZRem(ctx, r.convertedKey(), c.ID)
}

// stringGetter is satisfied by *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *redisRepo) get(ctx context.Context, cmd stringGetter, id string) (*domain.Cart, error) {
	raw, err := cmd.Get(ctx, r.cartKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	var c domain.Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", id, err)
	}
	return &c, nil
}

// classifyRedis maps go-redis failures onto domain kinds; domain errors
// returned from inside a transaction pass through.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err)
	}
	return err
}
