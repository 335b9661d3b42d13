package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"cartengine/internal/merge"
	"cartengine/internal/pricing"
	cartrepo "cartengine/internal/repository/cart"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errUnchanged aborts a store mutation whose outcome equals the current state.
var errUnchanged = errors.New("cart unchanged")

// cartStore is the slice of cartrepo.Store the service drives.
type cartStore interface {
	GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error)
	FindActive(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	Load(ctx context.Context, id string) (*domain.Cart, error)
	Mutate(ctx context.Context, id string, fn cartrepo.MutateFunc) (*domain.Cart, error)
	Absorb(ctx context.Context, sourceID, targetID string, fn cartrepo.AbsorbFunc) (*domain.Cart, error)
}

type Service struct {
	store     cartStore
	evaluator pricing.CouponEvaluator
	rules     pricing.Rules
	currency  string
	guestTTL  time.Duration
	timeout   time.Duration
	retry     RetryPolicy
	clock     func() time.Time
	logger    *zap.Logger
}

type Options struct {
	Currency string
	Rules    pricing.Rules
	// Evaluator defaults to coupon.NewEvaluator(Rules.Rounding).
	Evaluator pricing.CouponEvaluator
	// GuestTTL is the sliding lifetime of session carts.
	GuestTTL time.Duration
	// Timeout bounds each public operation, retries included. Zero disables it.
	Timeout time.Duration
	Retry   RetryPolicy
	Clock   func() time.Time
	Logger  *zap.Logger
}

func New(store cartStore, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "UZS"
	}
	if opts.Evaluator == nil {
		opts.Evaluator = coupon.NewEvaluator(opts.Rules.Rounding)
	}
	if opts.GuestTTL <= 0 {
		opts.GuestTTL = 7 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		evaluator: opts.Evaluator,
		rules:     opts.Rules,
		currency:  strings.ToUpper(strings.TrimSpace(opts.Currency)),
		guestTTL:  opts.GuestTTL,
		timeout:   opts.Timeout,
		retry:     opts.Retry.normalized(),
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// GetOrCreateCart returns the owner's ACTIVE cart, creating it on first use.
func (s *Service) GetOrCreateCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return s.run(ctx, "get or create cart", func(ctx context.Context) (*domain.Cart, error) {
		return s.store.GetOrCreate(ctx, s.seed(owner))
	})
}

// Load returns a cart by id in any status.
func (s *Service) Load(ctx context.Context, id string) (*domain.Cart, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.ErrCartNotFound
	}
	return s.run(ctx, "load cart", func(ctx context.Context) (*domain.Cart, error) {
		return s.store.Load(ctx, id)
	})
}

// AddItem adds item to the owner's cart. An existing line with the same key
// has its quantity increased. A quantity of zero or less removes the line.
func (s *Service) AddItem(ctx context.Context, owner domain.OwnerKey, item domain.CartItem) (*domain.Cart, error) {
	item.ProductID = strings.TrimSpace(item.ProductID)
	item.VariantID = strings.TrimSpace(item.VariantID)
	if err := validateItem(item); err != nil {
		return nil, err
	}
	return s.mutateOwner(ctx, owner, "add item", func(c *domain.Cart, now time.Time) error {
		idx := c.FindItem(item.Key())
		if item.Quantity <= 0 {
			if idx < 0 {
				return errUnchanged
			}
			c.RemoveItemAt(idx)
			return nil
		}
		if idx >= 0 {
			line := c.Items[idx]
			want := line.Quantity + item.Quantity
			if item.MaxQuantity != nil {
				line.MaxQuantity = item.MaxQuantity
			}
			if line.ClampQuantity(want) != want {
				return fmt.Errorf("%w: %s would reach %d, max %d", domain.ErrInvalidQuantity, line.Key(), want, *line.MaxQuantity)
			}
			line.Quantity = want
			c.Items[idx] = line
			return nil
		}
		if item.ClampQuantity(item.Quantity) != item.Quantity {
			return fmt.Errorf("%w: %s quantity %d exceeds max %d", domain.ErrInvalidQuantity, item.Key(), item.Quantity, *item.MaxQuantity)
		}
		line := item
		line.AddedAt = now
		c.Items = append(c.Items, line)
		return nil
	})
}

// UpdateItemQuantity sets a line's quantity. Zero or less removes the line.
func (s *Service) UpdateItemQuantity(ctx context.Context, owner domain.OwnerKey, key domain.LineKey, quantity int) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "update item quantity", func(c *domain.Cart, _ time.Time) error {
		idx := c.FindItem(key)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrItemNotFound, key)
		}
		if quantity <= 0 {
			c.RemoveItemAt(idx)
			return nil
		}
		line := c.Items[idx]
		if line.ClampQuantity(quantity) != quantity {
			return fmt.Errorf("%w: %s quantity %d exceeds max %d", domain.ErrInvalidQuantity, key, quantity, *line.MaxQuantity)
		}
		line.Quantity = quantity
		c.Items[idx] = line
		return nil
	})
}

func (s *Service) RemoveItem(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "remove item", func(c *domain.Cart, _ time.Time) error {
		idx := c.FindItem(key)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrItemNotFound, key)
		}
		c.RemoveItemAt(idx)
		return nil
	})
}

// SaveForLater moves a line out of the priced items into savedForLater,
// replacing any saved entry with the same key.
func (s *Service) SaveForLater(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "save for later", func(c *domain.Cart, now time.Time) error {
		idx := c.FindItem(key)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrItemNotFound, key)
		}
		saved := c.Items[idx].Saved(now)
		c.RemoveItemAt(idx)
		if j := c.FindSaved(key); j >= 0 {
			c.SavedForLater[j] = saved
		} else {
			c.SavedForLater = append(c.SavedForLater, saved)
		}
		return nil
	})
}

// MoveToCart moves a saved entry back into the items with quantity. When the
// line is already in the cart the quantities are added. Zero or less drops
// the saved entry without adding anything.
func (s *Service) MoveToCart(ctx context.Context, owner domain.OwnerKey, key domain.LineKey, quantity int) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "move to cart", func(c *domain.Cart, now time.Time) error {
		j := c.FindSaved(key)
		if j < 0 {
			return fmt.Errorf("%w: saved %s", domain.ErrItemNotFound, key)
		}
		saved := c.SavedForLater[j]
		if quantity <= 0 {
			c.RemoveSavedAt(j)
			return nil
		}
		if idx := c.FindItem(key); idx >= 0 {
			line := c.Items[idx]
			want := line.Quantity + quantity
			if line.ClampQuantity(want) != want {
				return fmt.Errorf("%w: %s would reach %d, max %d", domain.ErrInvalidQuantity, key, want, *line.MaxQuantity)
			}
			line.Quantity = want
			c.Items[idx] = line
			c.RemoveSavedAt(j)
			return nil
		}
		line := saved.InCart(quantity, now)
		if line.ClampQuantity(quantity) != quantity {
			return fmt.Errorf("%w: %s quantity %d exceeds max %d", domain.ErrInvalidQuantity, key, quantity, *line.MaxQuantity)
		}
		c.RemoveSavedAt(j)
		c.Items = append(c.Items, line)
		return nil
	})
}

func (s *Service) RemoveSavedItem(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "remove saved item", func(c *domain.Cart, _ time.Time) error {
		j := c.FindSaved(key)
		if j < 0 {
			return fmt.Errorf("%w: saved %s", domain.ErrItemNotFound, key)
		}
		c.RemoveSavedAt(j)
		return nil
	})
}

// ApplyCoupon evaluates def against the owner's cart and records the code
// when valid. A rejected coupon leaves the cart untouched and is reported in
// the returned Result rather than as an error; a duplicate code is a no-op.
func (s *Service) ApplyCoupon(ctx context.Context, owner domain.OwnerKey, code string, def domain.CouponDefinition) (*domain.Cart, coupon.Result, error) {
	var res coupon.Result
	c, err := s.mutateOwner(ctx, owner, "apply coupon", func(c *domain.Cart, now time.Time) error {
		s.rules.Apply(c, s.evaluator)
		res = s.evaluator.Evaluate(code, def, coupon.Snapshot{
			Subtotal:     c.Summary.Subtotal,
			Currency:     c.Currency,
			AppliedCodes: c.CouponCodes(),
		})
		if !res.Valid {
			return errUnchanged
		}
		c.AppliedCoupons = append(c.AppliedCoupons, domain.AppliedCoupon{
			Code:       res.Code,
			Definition: def,
			AppliedAt:  now,
		})
		return nil
	})
	if err != nil {
		return nil, res, err
	}
	if !res.Valid {
		s.logger.Info("coupon rejected",
			zap.String("cart_id", c.ID),
			zap.String("code", res.Code),
			zap.String("reason", string(res.Reason)),
		)
	}
	return c, res, nil
}

func (s *Service) RemoveCoupon(ctx context.Context, owner domain.OwnerKey, code string) (*domain.Cart, error) {
	code = domain.NormalizeCouponCode(code)
	return s.mutateOwner(ctx, owner, "remove coupon", func(c *domain.Cart, _ time.Time) error {
		for i, ac := range c.AppliedCoupons {
			if ac.Code == code {
				c.AppliedCoupons = append(c.AppliedCoupons[:i:i], c.AppliedCoupons[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: coupon %s", domain.ErrItemNotFound, code)
	})
}

// ClearCart removes every item and applied coupon. Saved entries are kept.
func (s *Service) ClearCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	return s.mutateOwner(ctx, owner, "clear cart", func(c *domain.Cart, _ time.Time) error {
		if len(c.Items) == 0 && len(c.AppliedCoupons) == 0 {
			return errUnchanged
		}
		c.Items = []domain.CartItem{}
		c.AppliedCoupons = []domain.AppliedCoupon{}
		return nil
	})
}

// MergeGuestCart folds the session's ACTIVE cart into the user's cart and
// deletes it in the same commit. A missing, empty or no longer ACTIVE guest
// cart leaves the user cart as is.
func (s *Service) MergeGuestCart(ctx context.Context, sessionID, userID string) (*domain.Cart, merge.Report, error) {
	guestOwner := domain.SessionOwner(sessionID)
	userOwner := domain.UserOwner(userID)
	if err := guestOwner.Validate(); err != nil {
		return nil, merge.Report{}, err
	}
	if err := userOwner.Validate(); err != nil {
		return nil, merge.Report{}, err
	}

	var rep merge.Report
	c, err := s.run(ctx, "merge guest cart", func(ctx context.Context) (*domain.Cart, error) {
		rep = merge.Report{}
		user, err := s.store.GetOrCreate(ctx, s.seed(userOwner))
		if err != nil {
			return nil, err
		}
		guest, err := s.store.FindActive(ctx, guestOwner)
		if errors.Is(err, domain.ErrCartNotFound) {
			return user, nil
		}
		if err != nil {
			return nil, err
		}
		if (len(guest.Items) == 0 && len(guest.SavedForLater) == 0) || guest.Expired(s.clock()) {
			return user, nil
		}

		merged, err := s.store.Absorb(ctx, guest.ID, user.ID, func(source, target *domain.Cart) error {
			now := s.clock()
			if source.Status != domain.StatusActive || source.Expired(now) || len(source.Items)+len(source.SavedForLater) == 0 {
				return errUnchanged
			}
			rep = merge.GuestIntoUser(source, target, now)
			s.finalize(target, now)
			return nil
		})
		if errors.Is(err, domain.ErrCartNotFound) || errors.Is(err, errUnchanged) {
			return s.store.Load(ctx, user.ID)
		}
		return merged, err
	})
	if err != nil {
		return nil, merge.Report{}, err
	}
	if rep.Changed() || rep.Dropped > 0 {
		s.logger.Info("guest cart merged",
			zap.String("cart_id", c.ID),
			zap.String("session_id", guestOwner.SessionID),
			zap.Int("added", rep.Added),
			zap.Int("combined", rep.Combined),
			zap.Int("dropped", rep.Dropped),
			zap.Int("saved", rep.Saved),
		)
	}
	return c, rep, nil
}

// MarkConverted transitions an ACTIVE cart to CONVERTED. Converting an
// already converted cart returns it unchanged.
func (s *Service) MarkConverted(ctx context.Context, id string) (*domain.Cart, error) {
	return s.run(ctx, "mark converted", func(ctx context.Context) (*domain.Cart, error) {
		c, err := s.store.Mutate(ctx, id, func(c *domain.Cart) error {
			if len(c.Items) == 0 {
				return fmt.Errorf("%w: cart %s", domain.ErrEmptyCart, c.ID)
			}
			now := s.clock()
			s.rules.Apply(c, s.evaluator)
			c.Status = domain.StatusConverted
			c.UpdatedAt = now
			return nil
		})
		if errors.Is(err, domain.ErrTerminalState) {
			current, loadErr := s.store.Load(ctx, id)
			if loadErr == nil && current.Status == domain.StatusConverted {
				return current, nil
			}
		}
		return c, err
	})
}

// mutateOwner resolves the owner's ACTIVE cart and applies fn to it, then
// recomputes the summary and slides guest expiry before the store commits.
func (s *Service) mutateOwner(ctx context.Context, owner domain.OwnerKey, name string, fn func(c *domain.Cart, now time.Time) error) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return s.run(ctx, name, func(ctx context.Context) (*domain.Cart, error) {
		// The resolved cart can be absorbed into a user cart before Mutate
		// locks it; resolve once more so the owner gets a fresh cart.
		for pass := 0; ; pass++ {
			current, err := s.store.GetOrCreate(ctx, s.seed(owner))
			if err != nil {
				return nil, err
			}
			var unchanged *domain.Cart
			c, err := s.store.Mutate(ctx, current.ID, func(c *domain.Cart) error {
				snapshot := c.Clone()
				now := s.clock()
				if err := fn(c, now); err != nil {
					if errors.Is(err, errUnchanged) {
						unchanged = snapshot
					}
					return err
				}
				s.finalize(c, now)
				return nil
			})
			switch {
			case errors.Is(err, errUnchanged):
				return unchanged, nil
			case errors.Is(err, domain.ErrCartNotFound) && pass == 0:
				continue
			}
			return c, err
		}
	})
}

// finalize recomputes the summary and stamps the cart for commit.
func (s *Service) finalize(c *domain.Cart, now time.Time) {
	s.rules.Apply(c, s.evaluator)
	c.UpdatedAt = now
	if c.Owner.IsGuest() {
		exp := now.Add(s.guestTTL)
		c.ExpiresAt = &exp
	}
}

func (s *Service) seed(owner domain.OwnerKey) *domain.Cart {
	now := s.clock()
	c := &domain.Cart{
		ID:             uuid.NewString(),
		Owner:          owner,
		Status:         domain.StatusActive,
		Items:          []domain.CartItem{},
		SavedForLater:  []domain.SavedItem{},
		AppliedCoupons: []domain.AppliedCoupon{},
		Currency:       s.currency,
		CreatedAt:      now,
	}
	s.finalize(c, now)
	return c
}

func validateItem(item domain.CartItem) error {
	if item.ProductID == "" {
		return fmt.Errorf("%w: productId required", domain.ErrInvalidItem)
	}
	if item.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: negative unit price for %s", domain.ErrInvalidItem, item.Key())
	}
	if item.ComparePrice != nil && item.ComparePrice.IsNegative() {
		return fmt.Errorf("%w: negative compare price for %s", domain.ErrInvalidItem, item.Key())
	}
	if item.MaxQuantity != nil && *item.MaxQuantity < 1 {
		return fmt.Errorf("%w: maxQuantity must be at least 1 for %s", domain.ErrInvalidItem, item.Key())
	}
	return nil
}
