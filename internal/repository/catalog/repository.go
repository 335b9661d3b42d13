package catalog

import (
	"context"

	"cartengine/internal/domain"
)

// Repository is the catalog collaborator carts snapshot products from.
type Repository interface {
	GetBySKU(ctx context.Context, sku string) (*domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}
