package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cartengine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var contractNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeFactory opens an empty Store reading time from clock.
type storeFactory func(t *testing.T, clock func() time.Time) Store

func newSeed(owner domain.OwnerKey, now time.Time, ttl time.Duration) *domain.Cart {
	c := &domain.Cart{
		ID:             uuid.NewString(),
		Owner:          owner,
		Status:         domain.StatusActive,
		Items:          []domain.CartItem{},
		SavedForLater:  []domain.SavedItem{},
		AppliedCoupons: []domain.AppliedCoupon{},
		Currency:       "UZS",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if owner.IsGuest() && ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	return c
}

func lineItem(productID string, qty int, now time.Time) domain.CartItem {
	return domain.CartItem{
		ProductID:   productID,
		Name:        "Item " + productID,
		SKU:         "SKU-" + productID,
		UnitPrice:   decimal.RequireFromString("50000"),
		Quantity:    qty,
		IsAvailable: true,
		AddedAt:     now,
	}
}

func sessionOwner() domain.OwnerKey { return domain.SessionOwner("s-" + uuid.NewString()) }
func userOwner() domain.OwnerKey    { return domain.UserOwner("u-" + uuid.NewString()) }

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, open storeFactory) {
	t.Run("GetOrCreateReturnsExisting", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		owner := userOwner()

		first, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), 0))
		require.NoError(t, err)
		second, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), 0))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		found, err := store.FindActive(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
		assert.Nil(t, found.ExpiresAt)
	})

	t.Run("GetOrCreateRejectsInvalidOwner", func(t *testing.T) {
		store := open(t, time.Now)
		_, err := store.GetOrCreate(context.Background(), newSeed(domain.OwnerKey{}, contractNow, 0))
		assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	})

	t.Run("ConcurrentGetOrCreateConverges", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		owner := sessionOwner()

		const callers = 8
		ids := make([]string, callers)
		var g errgroup.Group
		for i := range callers {
			g.Go(func() error {
				c, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), time.Hour))
				if err != nil {
					return err
				}
				ids[i] = c.ID
				return nil
			})
		}
		require.NoError(t, g.Wait())
		for _, id := range ids[1:] {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("ExpiredSessionCartIsReplaced", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		owner := sessionOwner()

		stale, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), time.Hour))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		fresh, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), time.Hour))
		require.NoError(t, err)
		assert.NotEqual(t, stale.ID, fresh.ID)

		old, err := store.Load(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, old.Status)

		_, err = store.Mutate(ctx, stale.ID, func(*domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrTerminalState)
	})

	t.Run("MutatePersistsAndBumpsVersion", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		c, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		updated, err := store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
			c.Items = append(c.Items, lineItem("p1", 2, clock.Now()))
			c.AppliedCoupons = append(c.AppliedCoupons, domain.AppliedCoupon{Code: "SAVE10", AppliedAt: clock.Now()})
			c.Summary.Subtotal = decimal.RequireFromString("100000")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, c.Version+1, updated.Version)

		loaded, err := store.Load(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.Version, loaded.Version)
		require.Len(t, loaded.Items, 1)
		assert.Equal(t, 2, loaded.Items[0].Quantity)
		assert.True(t, loaded.Items[0].UnitPrice.Equal(decimal.RequireFromString("50000")))
		assert.Equal(t, []string{"SAVE10"}, loaded.CouponCodes())
		assert.True(t, loaded.Summary.Subtotal.Equal(decimal.RequireFromString("100000")))
	})

	t.Run("MutateAbortLeavesCartUntouched", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		c, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
			c.Items = append(c.Items, lineItem("p1", 1, clock.Now()))
			return boom
		})
		require.ErrorIs(t, err, boom)

		loaded, err := store.Load(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.Version, loaded.Version)
		assert.Empty(t, loaded.Items)
	})

	t.Run("MutateMissingCart", func(t *testing.T) {
		store := open(t, time.Now)
		_, err := store.Mutate(context.Background(), uuid.NewString(), func(*domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
	})

	t.Run("MalformedIDIsNotFound", func(t *testing.T) {
		ctx := context.Background()
		store := open(t, time.Now)
		user, err := store.GetOrCreate(ctx, newSeed(userOwner(), time.Now(), 0))
		require.NoError(t, err)

		_, err = store.Load(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = store.Mutate(ctx, "not-a-uuid", func(*domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = store.Absorb(ctx, "not-a-uuid", user.ID, func(_, _ *domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "not-a-uuid"), domain.ErrCartNotFound)
	})

	t.Run("ConvertedCartIsTerminal", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		owner := userOwner()
		c, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), 0))
		require.NoError(t, err)

		_, err = store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
			c.Status = domain.StatusConverted
			return nil
		})
		require.NoError(t, err)

		_, err = store.Mutate(ctx, c.ID, func(*domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrTerminalState)

		_, err = store.FindActive(ctx, owner)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)

		next, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), 0))
		require.NoError(t, err)
		assert.NotEqual(t, c.ID, next.ID)
	})

	t.Run("ConcurrentMutationsSerialize", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		c, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		const writers = 10
		var g errgroup.Group
		for range writers {
			g.Go(func() error {
				for {
					_, err := store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
						if i := c.FindItem(domain.LineKey{ProductID: "p1"}); i >= 0 {
							c.Items[i].Quantity++
							return nil
						}
						c.Items = append(c.Items, lineItem("p1", 1, clock.Now()))
						return nil
					})
					if errors.Is(err, domain.ErrConcurrentModification) {
						continue
					}
					return err
				}
			})
		}
		require.NoError(t, g.Wait())

		loaded, err := store.Load(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Items, 1)
		assert.Equal(t, writers, loaded.Items[0].Quantity)
		assert.Equal(t, c.Version+writers, loaded.Version)
	})

	t.Run("AbsorbMovesLinesAndDeletesSource", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		guestOwner := sessionOwner()
		guest, err := store.GetOrCreate(ctx, newSeed(guestOwner, clock.Now(), time.Hour))
		require.NoError(t, err)
		user, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		_, err = store.Mutate(ctx, guest.ID, func(c *domain.Cart) error {
			c.Items = append(c.Items, lineItem("p1", 2, clock.Now()))
			return nil
		})
		require.NoError(t, err)

		merged, err := store.Absorb(ctx, guest.ID, user.ID, func(source, target *domain.Cart) error {
			target.Items = append(target.Items, source.Items...)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, merged.Items, 1)
		assert.Equal(t, user.Version+1, merged.Version)

		_, err = store.Load(ctx, guest.ID)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = store.FindActive(ctx, guestOwner)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)

		loaded, err := store.Load(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, loaded.Items, 1)
	})

	t.Run("AbsorbMissingSource", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		user, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		_, err = store.Absorb(ctx, uuid.NewString(), user.ID, func(_, _ *domain.Cart) error { return nil })
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
	})

	t.Run("AbortedAbsorbKeepsBothCarts", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		guest, err := store.GetOrCreate(ctx, newSeed(sessionOwner(), clock.Now(), time.Hour))
		require.NoError(t, err)
		user, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.Absorb(ctx, guest.ID, user.ID, func(_, _ *domain.Cart) error { return boom })
		require.ErrorIs(t, err, boom)

		_, err = store.Load(ctx, guest.ID)
		assert.NoError(t, err)
		loaded, err := store.Load(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Version, loaded.Version)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)
		owner := sessionOwner()
		c, err := store.GetOrCreate(ctx, newSeed(owner, clock.Now(), time.Hour))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, c.ID))
		_, err = store.Load(ctx, c.ID)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = store.FindActive(ctx, owner)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		assert.ErrorIs(t, store.Delete(ctx, c.ID), domain.ErrCartNotFound)
	})

	t.Run("DeleteExpiredOnlyTouchesExpiredSessions", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)

		var expired []string
		for range 3 {
			c, err := store.GetOrCreate(ctx, newSeed(sessionOwner(), clock.Now(), time.Hour))
			require.NoError(t, err)
			expired = append(expired, c.ID)
		}
		live, err := store.GetOrCreate(ctx, newSeed(sessionOwner(), clock.Now(), 48*time.Hour))
		require.NoError(t, err)
		user, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		sweepAt := clock.Now().Add(2 * time.Hour)
		n, err := store.DeleteExpired(ctx, sweepAt, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = store.DeleteExpired(ctx, sweepAt, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = store.DeleteExpired(ctx, sweepAt, 2)
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, id := range expired {
			_, err := store.Load(ctx, id)
			assert.ErrorIs(t, err, domain.ErrCartNotFound)
		}
		_, err = store.Load(ctx, live.ID)
		assert.NoError(t, err)
		_, err = store.Load(ctx, user.ID)
		assert.NoError(t, err)
	})

	t.Run("PurgeConvertedHonoursCutoff", func(t *testing.T) {
		ctx := context.Background()
		clock := &testClock{now: contractNow}
		store := open(t, clock.Now)

		convert := func(updatedAt time.Time) string {
			c, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
			require.NoError(t, err)
			_, err = store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
				c.Status = domain.StatusConverted
				c.UpdatedAt = updatedAt
				return nil
			})
			require.NoError(t, err)
			return c.ID
		}
		old := convert(contractNow.Add(-100 * 24 * time.Hour))
		recent := convert(contractNow.Add(-time.Hour))
		active, err := store.GetOrCreate(ctx, newSeed(userOwner(), clock.Now(), 0))
		require.NoError(t, err)

		n, err := store.PurgeConverted(ctx, contractNow.Add(-90*24*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.Load(ctx, old)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = store.Load(ctx, recent)
		assert.NoError(t, err)
		_, err = store.Load(ctx, active.ID)
		assert.NoError(t, err)
	})
}
