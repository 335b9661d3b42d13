package cart

import (
	"context"
	"time"

	"cartengine/internal/domain"
)

// MutateFunc transforms a private copy of a cart. Returning an error aborts
// the mutation and nothing is persisted.
type MutateFunc func(c *domain.Cart) error

// AbsorbFunc transforms target using source; source is deleted on commit.
type AbsorbFunc func(source, target *domain.Cart) error

// Store persists carts keyed by id with at most one ACTIVE cart per owner.
// Every write commits the whole cart, summary included, or nothing.
type Store interface {
	// GetOrCreate returns the owner's ACTIVE cart, inserting seed when none
	// exists. An ACTIVE session cart already past expiry is flipped to
	// EXPIRED and replaced. Concurrent callers observe the same cart.
	GetOrCreate(ctx context.Context, seed *domain.Cart) (*domain.Cart, error)
	// FindActive returns the owner's ACTIVE cart or domain.ErrCartNotFound.
	FindActive(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	Load(ctx context.Context, id string) (*domain.Cart, error)
	// Mutate applies fn under per-cart serialization. Carts that are not
	// ACTIVE fail with domain.ErrTerminalState before fn runs.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Cart, error)
	// Absorb serializes on both carts, applies fn, persists target and
	// deletes source in one commit. A missing source yields domain.ErrCartNotFound.
	Absorb(ctx context.Context, sourceID, targetID string, fn AbsorbFunc) (*domain.Cart, error)
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes session carts (ACTIVE or EXPIRED) whose expiry is
	// at or before now, re-checking the predicate per row at delete time.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
	// PurgeConverted removes CONVERTED carts last updated before cutoff.
	PurgeConverted(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// sweepable reports whether c matches the expiry sweep predicate at now.
func sweepable(c *domain.Cart, now time.Time) bool {
	if !c.Owner.IsGuest() || c.ExpiresAt == nil {
		return false
	}
	if c.Status != domain.StatusActive && c.Status != domain.StatusExpired {
		return false
	}
	return !c.ExpiresAt.After(now)
}
