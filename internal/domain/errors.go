package domain

import (
	"context"
	"errors"
)

var (
	// ErrCartNotFound indicates the requested cart has no record.
	ErrCartNotFound = errors.New("cart not found")
	// ErrProductNotFound indicates the catalog has no product for the SKU.
	ErrProductNotFound = errors.New("product not found")
	// ErrCouponNotFound indicates the coupon catalog has no active coupon for the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrItemNotFound indicates the line key is not present in the target collection.
	ErrItemNotFound = errors.New("item not found")
	// ErrInvalidQuantity indicates a quantity above maxQuantity or otherwise unusable.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidItem indicates a malformed item snapshot.
	ErrInvalidItem = errors.New("invalid item")
	// ErrInvalidOwner indicates an owner key with zero or two identities.
	ErrInvalidOwner = errors.New("owner must be exactly one of user id or session id")
	// ErrCouponInvalid indicates a coupon that could not be applied.
	ErrCouponInvalid = errors.New("coupon invalid")
	// ErrTerminalState indicates a mutation attempted on a converted or expired cart.
	ErrTerminalState = errors.New("cart is in a terminal state")
	// ErrEmptyCart indicates conversion of a cart with no items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrConcurrentModification indicates a version mismatch on write.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrPersistenceUnavailable indicates a transient storage failure.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrTimeout indicates the operation deadline elapsed before commit.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable reports whether err is worth retrying from a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPersistenceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
