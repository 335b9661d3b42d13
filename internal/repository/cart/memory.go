package cart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cartengine/internal/domain"
	"go.uber.org/zap"
)

// memoryStore keeps carts in process. Mutations serialize on a per-cart
// lock; the map mutex is only held for the copy in or out.
type memoryStore struct {
	mu     sync.RWMutex
	carts  map[string]*domain.Cart
	active map[string]string
	locks  *keyedLocks
	opts   options
}

// NewMemory returns a Store held entirely in memory.
func NewMemory(opts ...Option) Store {
	return &memoryStore{
		carts:  make(map[string]*domain.Cart),
		active: make(map[string]string),
		locks:  newKeyedLocks(),
		opts:   buildOptions(opts),
	}
}

func ownerLockKey(owner domain.OwnerKey) string { return "owner:" + owner.String() }
func cartLockKey(id string) string               { return "cart:" + id }

func (s *memoryStore) GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error) {
	if err := seed.Owner.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, ownerLockKey(seed.Owner))
	if err != nil {
		return nil, lockErr(err)
	}
	defer unlock()

	if existing, ok := s.activeFor(seed.Owner); ok {
		if !existing.Expired(s.opts.clock()) {
			return existing, nil
		}
		if err := s.expire(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.carts[seed.ID] = seed.Clone()
	s.active[seed.Owner.String()] = seed.ID
	s.mu.Unlock()
	s.opts.logger.Debug("cart created", zap.String("cart_id", seed.ID), zap.String("owner", seed.Owner.String()))
	return seed.Clone(), nil
}

func (s *memoryStore) FindActive(_ context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	if c, ok := s.activeFor(owner); ok {
		return c, nil
	}
	return nil, domain.ErrCartNotFound
}

func (s *memoryStore) Load(_ context.Context, id string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return c.Clone(), nil
}

func (s *memoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Cart, error) {
	unlock, err := s.locks.Lock(ctx, cartLockKey(id))
	if err != nil {
		return nil, lockErr(err)
	}
	defer unlock()

	c, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkMutable(c, s.opts.clock()); err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, lockErr(err)
	}
	c.Version++
	s.commit(c)
	return c.Clone(), nil
}

func (s *memoryStore) Absorb(ctx context.Context, sourceID, targetID string, fn AbsorbFunc) (*domain.Cart, error) {
	unlock, err := s.locks.LockAll(ctx, cartLockKey(sourceID), cartLockKey(targetID))
	if err != nil {
		return nil, lockErr(err)
	}
	defer unlock()

	source, err := s.Load(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := s.Load(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	if err := checkMutable(target, s.opts.clock()); err != nil {
		return nil, err
	}
	if err := fn(source, target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, lockErr(err)
	}
	target.Version++

	s.mu.Lock()
	s.removeLocked(source)
	s.mu.Unlock()
	s.commit(target)
	return target.Clone(), nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, cartLockKey(id))
	if err != nil {
		return lockErr(err)
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[id]
	if !ok {
		return domain.ErrCartNotFound
	}
	s.removeLocked(c)
	return nil
}

func (s *memoryStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return s.sweep(ctx, limit, func(c *domain.Cart) bool { return sweepable(c, now) })
}

func (s *memoryStore) PurgeConverted(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.sweep(ctx, limit, func(c *domain.Cart) bool {
		return c.Status == domain.StatusConverted && c.UpdatedAt.Before(cutoff)
	})
}

// sweep deletes carts matching pred, holding each cart's lock only while
// that one cart is re-checked and removed.
func (s *memoryStore) sweep(ctx context.Context, limit int, pred func(*domain.Cart) bool) (int, error) {
	s.mu.RLock()
	var ids []string
	for id, c := range s.carts {
		if pred(c) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	deleted := 0
	for _, id := range ids {
		unlock, err := s.locks.Lock(ctx, cartLockKey(id))
		if err != nil {
			return deleted, lockErr(err)
		}
		s.mu.Lock()
		if c, ok := s.carts[id]; ok && pred(c) {
			s.removeLocked(c)
			deleted++
		}
		s.mu.Unlock()
		unlock()
	}
	return deleted, nil
}

func (s *memoryStore) activeFor(owner domain.OwnerKey) (*domain.Cart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[owner.String()]
	if !ok {
		return nil, false
	}
	c, ok := s.carts[id]
	if !ok || c.Status != domain.StatusActive {
		return nil, false
	}
	return c.Clone(), true
}

// expire flips an ACTIVE cart to EXPIRED so a replacement can be created.
func (s *memoryStore) expire(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, cartLockKey(id))
	if err != nil {
		return lockErr(err)
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[id]
	if !ok {
		return nil
	}
	expired := c.Clone()
	expired.Status = domain.StatusExpired
	expired.Version++
	s.carts[id] = expired
	if s.active[c.Owner.String()] == id {
		delete(s.active, c.Owner.String())
	}
	s.opts.logger.Debug("cart expired", zap.String("cart_id", id))
	return nil
}

func (s *memoryStore) commit(c *domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[c.ID] = c.Clone()
	key := c.Owner.String()
	if c.Status == domain.StatusActive {
		s.active[key] = c.ID
	} else if s.active[key] == c.ID {
		delete(s.active, key)
	}
}

func (s *memoryStore) removeLocked(c *domain.Cart) {
	delete(s.carts, c.ID)
	if s.active[c.Owner.String()] == c.ID {
		delete(s.active, c.Owner.String())
	}
}

// checkMutable rejects carts that are not ACTIVE or whose expiry has passed.
func checkMutable(c *domain.Cart, now time.Time) error {
	if !c.IsMutable() {
		return fmt.Errorf("%w: cart %s is %s", domain.ErrTerminalState, c.ID, c.Status)
	}
	if c.Expired(now) {
		return fmt.Errorf("%w: cart %s expired at %s", domain.ErrTerminalState, c.ID, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// lockErr maps a cancelled wait into the retryable timeout kind.
func lockErr(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
}
