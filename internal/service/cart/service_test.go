package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"cartengine/internal/merge"
	"cartengine/internal/pricing"
	cartrepo "cartengine/internal/repository/cart"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRules() pricing.Rules {
	return pricing.Rules{
		TaxRate: decimal.Zero,
		TaxBase: pricing.TaxOnSubtotal,
		Shipping: pricing.ShippingRule{
			FreeThreshold: dec("200000"),
			FlatFee:       dec("20000"),
		},
		Rounding: domain.RoundHalfEven,
	}
}

func newTestService(t *testing.T) (*Service, cartrepo.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: testNow}
	store := cartrepo.NewMemory(cartrepo.WithClock(clock.Now))
	svc := New(store, Options{
		Currency: "UZS",
		Rules:    testRules(),
		GuestTTL: 24 * time.Hour,
		Timeout:  time.Second,
		Retry:    RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Clock:    clock.Now,
	})
	return svc, store, clock
}

func item(productID, price string, qty int) domain.CartItem {
	return domain.CartItem{
		ProductID:   productID,
		Name:        "Product " + productID,
		SKU:         "SKU-" + productID,
		UnitPrice:   dec(price),
		Quantity:    qty,
		IsAvailable: true,
	}
}

func limited(it domain.CartItem, max int) domain.CartItem {
	it.MaxQuantity = &max
	return it
}

func key(productID string) domain.LineKey { return domain.LineKey{ProductID: productID} }

func quantities(c *domain.Cart) map[string]int {
	out := make(map[string]int, len(c.Items))
	for _, it := range c.Items {
		out[it.Key().String()] = it.Quantity
	}
	return out
}

func TestGetOrCreateCart(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	guest, err := svc.GetOrCreateCart(ctx, domain.SessionOwner("session-123"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, guest.Status)
	assert.Equal(t, "UZS", guest.Currency)
	require.NotNil(t, guest.ExpiresAt)
	assert.True(t, guest.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))
	assert.True(t, guest.Summary.TotalAmount.IsZero())

	again, err := svc.GetOrCreateCart(ctx, domain.SessionOwner("session-123"))
	require.NoError(t, err)
	assert.Equal(t, guest.ID, again.ID)

	user, err := svc.GetOrCreateCart(ctx, domain.UserOwner("u-1"))
	require.NoError(t, err)
	assert.Nil(t, user.ExpiresAt)
	assert.NotEqual(t, guest.ID, user.ID)

	_, err = svc.GetOrCreateCart(ctx, domain.OwnerKey{UserID: "u-1", SessionID: "s"})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = svc.GetOrCreateCart(ctx, domain.OwnerKey{})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
}

func TestGetOrCreateCartConcurrentFirstCall(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.SessionOwner("session-123")

	ids := make([]string, 16)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			c, err := svc.GetOrCreateCart(context.Background(), owner)
			if err != nil {
				return err
			}
			ids[i] = c.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestGetOrCreateCartReplacesExpiredGuestCart(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	owner := domain.SessionOwner("s-exp")

	first, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	second, err := svc.GetOrCreateCart(ctx, owner)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, second.Items)

	old, err := store.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, old.Status)
}

func TestAddItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	c, err := svc.AddItem(ctx, owner, item("A", "50000", 2))
	require.NoError(t, err)
	c, err = svc.AddItem(ctx, owner, item("A", "50000", 1))
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 3, c.Items[0].Quantity)
	assert.Equal(t, "150000", c.Summary.Subtotal.String())

	variant := item("A", "60000", 1)
	variant.VariantID = "red"
	c, err = svc.AddItem(ctx, owner, variant)
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)
	assert.Equal(t, map[string]int{"A": 3, "A/red": 1}, quantities(c))
	assert.Equal(t, "210000", c.Summary.Subtotal.String())
	assert.Equal(t, int64(3), c.Version)
}

func TestAddItemRejectsAboveMaxQuantity(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	c, err := svc.AddItem(ctx, owner, limited(item("B", "1000", 2), 3))
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, owner, limited(item("B", "1000", 2), 3))
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.AddItem(ctx, owner, limited(item("C", "1000", 4), 3))
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	stored, err := store.Load(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 2}, quantities(stored))
}

func TestAddItemValidatesPayload(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("", "1000", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidItem)
	_, err = svc.AddItem(ctx, owner, item("A", "-1", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidItem)
	_, err = svc.AddItem(ctx, owner, limited(item("A", "1", 1), 0))
	assert.ErrorIs(t, err, domain.ErrInvalidItem)
}

func TestAddItemNonPositiveQuantityRemoves(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	c, err := svc.AddItem(ctx, owner, item("A", "1000", 0))
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Equal(t, int64(0), c.Version)

	_, err = svc.AddItem(ctx, owner, item("A", "1000", 2))
	require.NoError(t, err)
	c, err = svc.AddItem(ctx, owner, item("A", "1000", -1))
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestUpdateItemQuantityZeroRemovesLine(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	fresh, err := svc.AddItem(ctx, owner, item("B", "30000", 2))
	require.NoError(t, err)
	baseline := fresh.Summary

	_, err = svc.AddItem(ctx, owner, item("A", "10000", 1))
	require.NoError(t, err)
	c, err := svc.UpdateItemQuantity(ctx, owner, key("A"), 0)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"B": 2}, quantities(c))
	assert.Equal(t, baseline.Subtotal.String(), c.Summary.Subtotal.String())
	assert.Equal(t, baseline.TotalAmount.String(), c.Summary.TotalAmount.String())
}

func TestUpdateItemQuantity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, limited(item("A", "1000", 1), 5))
	require.NoError(t, err)

	c, err := svc.UpdateItemQuantity(ctx, owner, key("A"), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Items[0].Quantity)

	_, err = svc.UpdateItemQuantity(ctx, owner, key("A"), 6)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.UpdateItemQuantity(ctx, owner, key("missing"), 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestRemoveItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	c, err := svc.RemoveItem(ctx, owner, key("A"))
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.True(t, c.Summary.ShippingAmount.IsZero())

	_, err = svc.RemoveItem(ctx, owner, key("A"))
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestSubtotalMatchesItemsAfterOperations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.SessionOwner("s-sum")

	steps := []func() (*domain.Cart, error){
		func() (*domain.Cart, error) { return svc.AddItem(ctx, owner, item("A", "12345.50", 2)) },
		func() (*domain.Cart, error) { return svc.AddItem(ctx, owner, item("B", "999.99", 3)) },
		func() (*domain.Cart, error) { return svc.UpdateItemQuantity(ctx, owner, key("A"), 1) },
		func() (*domain.Cart, error) { return svc.AddItem(ctx, owner, item("C", "0.01", 7)) },
		func() (*domain.Cart, error) { return svc.RemoveItem(ctx, owner, key("B")) },
		func() (*domain.Cart, error) { return svc.SaveForLater(ctx, owner, key("C")) },
	}
	for i, step := range steps {
		c, err := step()
		require.NoError(t, err, "step %d", i)
		want := decimal.Zero
		for _, it := range c.Items {
			want = want.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		assert.True(t, want.Equal(c.Summary.Subtotal), "step %d: subtotal %s, want %s", i, c.Summary.Subtotal, want)
		s := c.Summary
		total := s.Subtotal.Sub(s.DiscountAmount).Add(s.TaxAmount).Add(s.ShippingAmount)
		assert.True(t, total.Equal(s.TotalAmount), "step %d", i)
	}
}

func TestFreeShippingBoundary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	at, err := svc.AddItem(ctx, domain.UserOwner("at"), item("A", "200000", 1))
	require.NoError(t, err)
	assert.True(t, at.Summary.ShippingAmount.IsZero())

	below, err := svc.AddItem(ctx, domain.UserOwner("below"), item("A", "199999", 1))
	require.NoError(t, err)
	assert.Equal(t, "20000", below.Summary.ShippingAmount.String())
	assert.Equal(t, "219999", below.Summary.TotalAmount.String())
}

func TestSaveForLaterAndMoveToCart(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "1000", 2))
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, owner, item("B", "500", 1))
	require.NoError(t, err)

	c, err := svc.SaveForLater(ctx, owner, key("A"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 1}, quantities(c))
	require.Len(t, c.SavedForLater, 1)
	assert.Equal(t, "A", c.SavedForLater[0].ProductID)
	assert.Equal(t, "500", c.Summary.Subtotal.String())

	c, err = svc.MoveToCart(ctx, owner, key("A"), 3)
	require.NoError(t, err)
	assert.Empty(t, c.SavedForLater)
	assert.Equal(t, map[string]int{"A": 3, "B": 1}, quantities(c))
	assert.Equal(t, "3500", c.Summary.Subtotal.String())

	_, err = svc.MoveToCart(ctx, owner, key("A"), 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	_, err = svc.SaveForLater(ctx, owner, key("Z"))
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestMoveToCartHonoursMaxQuantity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, limited(item("A", "1000", 2), 3))
	require.NoError(t, err)
	_, err = svc.SaveForLater(ctx, owner, key("A"))
	require.NoError(t, err)

	_, err = svc.MoveToCart(ctx, owner, key("A"), 4)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	c, err := svc.MoveToCart(ctx, owner, key("A"), 0)
	require.NoError(t, err)
	assert.Empty(t, c.SavedForLater)
	assert.Empty(t, c.Items)
}

func TestRemoveSavedItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	_, err = svc.SaveForLater(ctx, owner, key("A"))
	require.NoError(t, err)

	c, err := svc.RemoveSavedItem(ctx, owner, key("A"))
	require.NoError(t, err)
	assert.Empty(t, c.SavedForLater)

	_, err = svc.RemoveSavedItem(ctx, owner, key("A"))
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestApplyCouponIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")
	save10 := domain.CouponDefinition{Type: domain.CouponPercentage, Value: dec("10")}

	_, err := svc.AddItem(ctx, owner, item("A", "100000", 1))
	require.NoError(t, err)

	c, res, err := svc.ApplyCoupon(ctx, owner, "SAVE10", save10)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "10000", c.Summary.DiscountAmount.String())
	version := c.Version

	c, res, err = svc.ApplyCoupon(ctx, owner, " save10 ", save10)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, coupon.ReasonAlreadyApplied, res.Reason)
	assert.Equal(t, "10000", c.Summary.DiscountAmount.String())
	assert.Equal(t, []string{"SAVE10"}, c.CouponCodes())
	assert.Equal(t, version, c.Version)
}

func TestApplyCouponRejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "50000", 1))
	require.NoError(t, err)

	min := dec("100000")
	c, res, err := svc.ApplyCoupon(ctx, owner, "BIG", domain.CouponDefinition{
		Type: domain.CouponFixed, Value: dec("5000"), MinimumPurchase: &min,
	})
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonMinimumNotMet, res.Reason)
	assert.ErrorIs(t, res.Err(), domain.ErrCouponInvalid)
	assert.Empty(t, c.AppliedCoupons)

	_, res, err = svc.ApplyCoupon(ctx, owner, "BROKEN", domain.CouponDefinition{Value: dec("5")})
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonMalformed, res.Reason)
}

func TestCouponFlaggedWhenMinimumNoLongerMet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")
	min := dec("100000")

	_, err := svc.AddItem(ctx, owner, item("A", "80000", 1))
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, owner, item("B", "40000", 1))
	require.NoError(t, err)
	c, res, err := svc.ApplyCoupon(ctx, owner, "FIVEK", domain.CouponDefinition{
		Type: domain.CouponFixed, Value: dec("5000"), MinimumPurchase: &min,
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "5000", c.Summary.DiscountAmount.String())

	c, err = svc.RemoveItem(ctx, owner, key("B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"FIVEK"}, c.CouponCodes())
	assert.True(t, c.Summary.DiscountAmount.IsZero())
	require.Len(t, c.Summary.Coupons, 1)
	assert.False(t, c.Summary.Coupons[0].Valid)
	assert.Equal(t, string(coupon.ReasonMinimumNotMet), c.Summary.Coupons[0].Reason)
}

func TestRemoveCoupon(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "100000", 1))
	require.NoError(t, err)
	_, _, err = svc.ApplyCoupon(ctx, owner, "SAVE10", domain.CouponDefinition{Type: domain.CouponPercentage, Value: dec("10")})
	require.NoError(t, err)

	c, err := svc.RemoveCoupon(ctx, owner, "save10")
	require.NoError(t, err)
	assert.Empty(t, c.AppliedCoupons)
	assert.True(t, c.Summary.DiscountAmount.IsZero())

	_, err = svc.RemoveCoupon(ctx, owner, "SAVE10")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestClearCartKeepsSavedItems(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	_, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, owner, item("B", "1000", 1))
	require.NoError(t, err)
	_, err = svc.SaveForLater(ctx, owner, key("B"))
	require.NoError(t, err)
	_, _, err = svc.ApplyCoupon(ctx, owner, "X", domain.CouponDefinition{Type: domain.CouponFixed, Value: dec("10")})
	require.NoError(t, err)

	c, err := svc.ClearCart(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Empty(t, c.AppliedCoupons)
	assert.Len(t, c.SavedForLater, 1)
	assert.True(t, c.Summary.TotalAmount.IsZero())
}

func TestMergeGuestCartCombinesQuantities(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	guest, err := svc.AddItem(ctx, domain.SessionOwner("s-1"), item("A", "1000", 2))
	require.NoError(t, err)
	_, _, err = svc.ApplyCoupon(ctx, domain.SessionOwner("s-1"), "GUEST", domain.CouponDefinition{Type: domain.CouponFixed, Value: dec("100")})
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, domain.UserOwner("u-1"), item("A", "1000", 1))
	require.NoError(t, err)

	c, rep, err := svc.MergeGuestCart(ctx, "s-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 3}, quantities(c))
	assert.Equal(t, merge.Report{Combined: 1}, rep)
	assert.Empty(t, c.AppliedCoupons)
	assert.Equal(t, "3000", c.Summary.Subtotal.String())

	_, err = store.Load(ctx, guest.ID)
	assert.ErrorIs(t, err, domain.ErrCartNotFound)

	again, rep, err := svc.MergeGuestCart(ctx, "s-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, map[string]int{"A": 3}, quantities(again))
	assert.False(t, rep.Changed())
}

func TestMergeGuestCartClampsToMaxQuantity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// the guest line was added before the catalog lowered the ceiling
	_, err := svc.AddItem(ctx, domain.SessionOwner("s-2"), item("B", "1000", 5))
	require.NoError(t, err)
	_, err = svc.store.Mutate(ctx, mustCart(t, svc, domain.SessionOwner("s-2")).ID, func(c *domain.Cart) error {
		three := 3
		c.Items[0].MaxQuantity = &three
		return nil
	})
	require.NoError(t, err)

	c, rep, err := svc.MergeGuestCart(ctx, "s-2", "u-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 3}, quantities(c))
	assert.Equal(t, 2, rep.Dropped)
	assert.Nil(t, c.ExpiresAt)
}

func TestMergeGuestCartWithoutGuest(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, domain.UserOwner("u-3"), item("A", "1000", 1))
	require.NoError(t, err)

	c, rep, err := svc.MergeGuestCart(ctx, "never-seen", "u-3")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1}, quantities(c))
	assert.False(t, rep.Changed())

	_, _, err = svc.MergeGuestCart(ctx, "", "u-3")
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
}

func TestMarkConverted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	empty, err := svc.GetOrCreateCart(ctx, owner)
	require.NoError(t, err)
	_, err = svc.MarkConverted(ctx, empty.ID)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	c, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	converted, err := svc.MarkConverted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConverted, converted.Status)

	again, err := svc.MarkConverted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, converted.Version, again.Version)

	next, err := svc.GetOrCreateCart(ctx, owner)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, next.ID)

	_, err = svc.MarkConverted(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestConvertedCartIsImmutable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	owner := domain.UserOwner("u-1")

	c, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	converted, err := svc.MarkConverted(ctx, c.ID)
	require.NoError(t, err)

	_, err = store.Mutate(ctx, c.ID, func(c *domain.Cart) error {
		c.Items = nil
		return nil
	})
	require.ErrorIs(t, err, domain.ErrTerminalState)

	after, err := store.Load(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, converted, after)
}

func TestMutatingExpiredGuestCartFails(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	c, err := svc.AddItem(ctx, domain.SessionOwner("s-old"), item("A", "1000", 1))
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	_, err = store.Mutate(ctx, c.ID, func(c *domain.Cart) error { return nil })
	assert.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestGuestExpirySlidesOnMutation(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	owner := domain.SessionOwner("s-slide")

	_, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	clock.Advance(20 * time.Hour)

	c, err := svc.AddItem(ctx, owner, item("A", "1000", 1))
	require.NoError(t, err)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, c.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	svc, _, _ := newTestService(t)
	owner := domain.UserOwner("u-busy")
	const n = 25

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := svc.AddItem(context.Background(), owner, item("A", "100", 1))
			return err
		})
	}
	require.NoError(t, g.Wait())

	c, err := svc.GetOrCreateCart(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": n}, quantities(c))
	assert.Equal(t, int64(n), c.Version)
}

// flakyStore fails the first Mutate calls with a retryable error.
type flakyStore struct {
	cartrepo.Store
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (f *flakyStore) Mutate(ctx context.Context, id string, fn cartrepo.MutateFunc) (*domain.Cart, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.Store.Mutate(ctx, id, fn)
}

func TestRetriesRetryableErrors(t *testing.T) {
	flaky := &flakyStore{Store: cartrepo.NewMemory(), err: domain.ErrConcurrentModification}
	flaky.failures.Store(2)
	svc := New(flaky, Options{Rules: testRules(), Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})

	c, err := svc.AddItem(context.Background(), domain.UserOwner("u-1"), item("A", "1000", 1))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1}, quantities(c))
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyStore{Store: cartrepo.NewMemory(), err: domain.ErrPersistenceUnavailable}
	flaky.failures.Store(10)
	svc := New(flaky, Options{Rules: testRules(), Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})

	_, err := svc.AddItem(context.Background(), domain.UserOwner("u-1"), item("A", "1000", 1))
	require.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	flaky := &flakyStore{Store: cartrepo.NewMemory(), err: errors.New("unused")}
	svc := New(flaky, Options{Rules: testRules()})

	_, err := svc.UpdateItemQuantity(context.Background(), domain.UserOwner("u-1"), key("A"), 1)
	require.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestOperationTimeoutIsRetryable(t *testing.T) {
	store := cartrepo.NewMemory()
	svc := New(store, Options{Rules: testRules(), Timeout: 20 * time.Millisecond})
	owner := domain.UserOwner("u-slow")
	c, err := svc.GetOrCreateCart(context.Background(), owner)
	require.NoError(t, err)

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = store.Mutate(context.Background(), c.ID, func(*domain.Cart) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	_, err = svc.AddItem(context.Background(), owner, item("A", "1000", 1))
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, domain.IsRetryable(err))
}

func mustCart(t *testing.T, svc *Service, owner domain.OwnerKey) *domain.Cart {
	t.Helper()
	c, err := svc.GetOrCreateCart(context.Background(), owner)
	require.NoError(t, err)
	return c
}

// mergeOnResolveStore runs onGuest once, right after a session cart is
// resolved and before the caller mutates it.
type mergeOnResolveStore struct {
	cartrepo.Store
	fired   atomic.Bool
	onGuest func()
}

func (m *mergeOnResolveStore) GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error) {
	c, err := m.Store.GetOrCreate(ctx, seed)
	if err == nil && seed.Owner.IsGuest() && m.onGuest != nil && m.fired.CompareAndSwap(false, true) {
		m.onGuest()
	}
	return c, err
}

func TestGuestMutationAfterConcurrentMergeUsesFreshCart(t *testing.T) {
	ctx := context.Background()
	store := &mergeOnResolveStore{Store: cartrepo.NewMemory()}
	svc := New(store, Options{Rules: testRules(), Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}})
	guest := domain.SessionOwner("s-merge")

	before, err := svc.AddItem(ctx, guest, item("A", "1000", 2))
	require.NoError(t, err)

	store.onGuest = func() {
		_, _, err := svc.MergeGuestCart(ctx, "s-merge", "u-merge")
		require.NoError(t, err)
	}

	after, err := svc.AddItem(ctx, guest, item("B", "500", 1))
	require.NoError(t, err)
	assert.True(t, store.fired.Load())
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, map[string]int{"B": 1}, quantities(after))

	_, err = svc.Load(ctx, before.ID)
	require.ErrorIs(t, err, domain.ErrCartNotFound)

	user, err := svc.GetOrCreateCart(ctx, domain.UserOwner("u-merge"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 2}, quantities(user))
}

func TestMergeGuestCartIgnoresExpiredGuest(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	guest, err := svc.AddItem(ctx, domain.SessionOwner("s-stale"), item("A", "1000", 2))
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	user, rep, err := svc.MergeGuestCart(ctx, "s-stale", "u-stale")
	require.NoError(t, err)
	assert.Empty(t, user.Items)
	assert.Equal(t, merge.Report{}, rep)

	stale, err := store.Load(ctx, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 2}, quantities(stale))
}

// fiveMethodStore hides every Store method the service does not call.
type fiveMethodStore struct{ cartStore }

func TestServiceRunsOnNarrowStore(t *testing.T) {
	ctx := context.Background()
	svc := New(fiveMethodStore{cartrepo.NewMemory()}, Options{Rules: testRules()})

	_, err := svc.AddItem(ctx, domain.SessionOwner("s-narrow"), item("A", "1000", 1))
	require.NoError(t, err)
	c, rep, err := svc.MergeGuestCart(ctx, "s-narrow", "u-narrow")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, map[string]int{"A": 1}, quantities(c))
}
