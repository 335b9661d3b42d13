package seed

import (
	"context"
	"fmt"

	"cartengine/internal/domain"
	"github.com/shopspring/decimal"
)

type ProductWriter interface {
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}

type CouponWriter interface {
	Upsert(ctx context.Context, code string, def domain.CouponDefinition, active bool) error
}

type couponSeed struct {
	Code       string
	Definition domain.CouponDefinition
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func limit(n int) *int { return &n }

// Products is the demo catalog, priced in currency.
func Products(currency string) []domain.Product {
	return []domain.Product{
		{
			ID:          "demo-shirt",
			VariantID:   "blue-m",
			SKU:         "SKU-DEMO-TSHIRT-BLUE-M",
			Name:        "Demo T-Shirt",
			UnitPrice:   decimal.RequireFromString("89000"),
			Currency:    currency,
			IsAvailable: true,
			Attributes:  &domain.ItemAttributes{Color: "blue", Size: "M", WeightGrams: 180},
		},
		{
			ID:           "demo-mug",
			SKU:          "SKU-DEMO-MUG",
			Name:         "Demo Mug",
			UnitPrice:    decimal.RequireFromString("45000"),
			ComparePrice: amount("55000"),
			Currency:     currency,
			IsAvailable:  true,
			MaxQuantity:  limit(3),
			Attributes: &domain.ItemAttributes{
				Color:       "white",
				WeightGrams: 350,
				Dimensions:  &domain.Dimensions{LengthMM: 120, WidthMM: 85, HeightMM: 95},
			},
		},
		{
			ID:                  "demo-kettle",
			SKU:                 "SKU-DEMO-KETTLE",
			Name:                "Demo Kettle",
			UnitPrice:           decimal.RequireFromString("210000"),
			Currency:            currency,
			IsAvailable:         false,
			AvailabilityMessage: "Back in stock soon",
			MaxQuantity:         limit(1),
		},
	}
}

func coupons() []couponSeed {
	return []couponSeed{
		{Code: "SAVE10", Definition: domain.CouponDefinition{Type: domain.CouponPercentage, Value: decimal.NewFromInt(10)}},
		{Code: "WELCOME20", Definition: domain.CouponDefinition{
			Type:        domain.CouponPercentage,
			Value:       decimal.NewFromInt(20),
			MaxDiscount: amount("50000"),
		}},
		{Code: "MINUS15K", Definition: domain.CouponDefinition{
			Type:            domain.CouponFixed,
			Value:           decimal.NewFromInt(15000),
			MinimumPurchase: amount("100000"),
		}},
	}
}

// Apply upserts the demo catalog and coupon catalog. It is idempotent.
func Apply(ctx context.Context, products ProductWriter, couponRepo CouponWriter, currency string) error {
	for _, p := range Products(currency) {
		if _, err := products.Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.SKU, err)
		}
	}
	for _, c := range coupons() {
		if err := couponRepo.Upsert(ctx, c.Code, c.Definition, true); err != nil {
			return fmt.Errorf("upsert coupon %s: %w", c.Code, err)
		}
	}
	return nil
}
