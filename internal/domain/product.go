package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog record a cart line is snapshotted from.
type Product struct {
	ID                  string           `json:"id"`
	VariantID           string           `json:"variantId,omitempty"`
	SKU                 string           `json:"sku"`
	Name                string           `json:"name"`
	UnitPrice           decimal.Decimal  `json:"unitPrice"`
	ComparePrice        *decimal.Decimal `json:"comparePrice,omitempty"`
	Currency            string           `json:"currency"`
	IsAvailable         bool             `json:"isAvailable"`
	AvailabilityMessage string           `json:"availabilityMessage,omitempty"`
	MaxQuantity         *int             `json:"maxQuantity,omitempty"`
	Attributes          *ItemAttributes  `json:"attributes,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
}

// Snapshot builds a cart line from the product at add-time.
func (p Product) Snapshot(quantity int, at time.Time) CartItem {
	return CartItem{
		ProductID:           p.ID,
		VariantID:           p.VariantID,
		Name:                p.Name,
		SKU:                 p.SKU,
		UnitPrice:           p.UnitPrice,
		ComparePrice:        p.ComparePrice,
		Quantity:            quantity,
		MaxQuantity:         p.MaxQuantity,
		IsAvailable:         p.IsAvailable,
		AvailabilityMessage: p.AvailabilityMessage,
		Attributes:          p.Attributes,
		AddedAt:             at,
	}
}
