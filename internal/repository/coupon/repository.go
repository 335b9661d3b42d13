package coupon

import (
	"context"

	"cartengine/internal/domain"
)

// Repository is the coupon catalog collaborator. It only resolves
// definitions; validation and pricing stay with the evaluator.
type Repository interface {
	GetByCode(ctx context.Context, code string) (*domain.CouponDefinition, error)
	Upsert(ctx context.Context, code string, def domain.CouponDefinition, active bool) error
}
