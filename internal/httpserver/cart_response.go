package httpserver

import (
	"time"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"cartengine/internal/merge"
	"github.com/shopspring/decimal"
)

// Amounts are rendered as strings fixed to the currency's minor units so
// clients never parse floats.
type cartResponse struct {
	ID             string                  `json:"id"`
	Version        int64                   `json:"version"`
	Status         string                  `json:"status"`
	UserID         string                  `json:"userId,omitempty"`
	SessionID      string                  `json:"sessionId,omitempty"`
	Currency       string                  `json:"currency"`
	Items          []lineItemResponse      `json:"items"`
	SavedForLater  []savedItemResponse     `json:"savedForLater"`
	AppliedCoupons []appliedCouponResponse `json:"appliedCoupons"`
	Summary        summaryResponse         `json:"summary"`
	TotalQuantity  int                     `json:"totalQuantity"`
	ExpiresAt      *time.Time              `json:"expiresAt"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

type lineItemResponse struct {
	ProductID           string                 `json:"productId"`
	VariantID           string                 `json:"variantId,omitempty"`
	Name                string                 `json:"name"`
	SKU                 string                 `json:"sku"`
	UnitPrice           string                 `json:"unitPrice"`
	ComparePrice        *string                `json:"comparePrice,omitempty"`
	Quantity            int                    `json:"quantity"`
	LineTotal           string                 `json:"lineTotal"`
	MaxQuantity         *int                   `json:"maxQuantity,omitempty"`
	IsAvailable         bool                   `json:"isAvailable"`
	AvailabilityMessage string                 `json:"availabilityMessage,omitempty"`
	Attributes          *domain.ItemAttributes `json:"attributes,omitempty"`
	AddedAt             time.Time              `json:"addedAt"`
}

type savedItemResponse struct {
	ProductID           string                 `json:"productId"`
	VariantID           string                 `json:"variantId,omitempty"`
	Name                string                 `json:"name"`
	SKU                 string                 `json:"sku"`
	UnitPrice           string                 `json:"unitPrice"`
	ComparePrice        *string                `json:"comparePrice,omitempty"`
	MaxQuantity         *int                   `json:"maxQuantity,omitempty"`
	IsAvailable         bool                   `json:"isAvailable"`
	AvailabilityMessage string                 `json:"availabilityMessage,omitempty"`
	Attributes          *domain.ItemAttributes `json:"attributes,omitempty"`
	SavedAt             time.Time              `json:"savedAt"`
}

type appliedCouponResponse struct {
	Code      string    `json:"code"`
	AppliedAt time.Time `json:"appliedAt"`
}

type summaryResponse struct {
	Subtotal       string               `json:"subtotal"`
	TaxAmount      string               `json:"taxAmount"`
	DiscountAmount string               `json:"discountAmount"`
	ShippingAmount string               `json:"shippingAmount"`
	TotalAmount    string               `json:"totalAmount"`
	Coupons        []couponLineResponse `json:"coupons"`
}

type couponLineResponse struct {
	Code     string `json:"code"`
	Discount string `json:"discount"`
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

type couponResultResponse struct {
	Code     string `json:"code"`
	Valid    bool   `json:"valid"`
	Discount string `json:"discount"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type applyCouponResponse struct {
	Cart   cartResponse         `json:"cart"`
	Coupon couponResultResponse `json:"coupon"`
}

type mergeResponse struct {
	Cart  cartResponse `json:"cart"`
	Merge merge.Report `json:"merge"`
}

func money(d decimal.Decimal, currency string) string {
	return d.StringFixed(domain.MinorUnits(currency))
}

func optionalMoney(d *decimal.Decimal, currency string) *string {
	if d == nil {
		return nil
	}
	s := money(*d, currency)
	return &s
}

func toCartResponse(c *domain.Cart) cartResponse {
	cur := c.Currency
	items := make([]lineItemResponse, 0, len(c.Items))
	totalQty := 0
	for _, it := range c.Items {
		totalQty += it.Quantity
		items = append(items, lineItemResponse{
			ProductID:           it.ProductID,
			VariantID:           it.VariantID,
			Name:                it.Name,
			SKU:                 it.SKU,
			UnitPrice:           money(it.UnitPrice, cur),
			ComparePrice:        optionalMoney(it.ComparePrice, cur),
			Quantity:            it.Quantity,
			LineTotal:           money(it.LineTotal(), cur),
			MaxQuantity:         it.MaxQuantity,
			IsAvailable:         it.IsAvailable,
			AvailabilityMessage: it.AvailabilityMessage,
			Attributes:          it.Attributes,
			AddedAt:             it.AddedAt,
		})
	}

	saved := make([]savedItemResponse, 0, len(c.SavedForLater))
	for _, s := range c.SavedForLater {
		saved = append(saved, savedItemResponse{
			ProductID:           s.ProductID,
			VariantID:           s.VariantID,
			Name:                s.Name,
			SKU:                 s.SKU,
			UnitPrice:           money(s.UnitPrice, cur),
			ComparePrice:        optionalMoney(s.ComparePrice, cur),
			MaxQuantity:         s.MaxQuantity,
			IsAvailable:         s.IsAvailable,
			AvailabilityMessage: s.AvailabilityMessage,
			Attributes:          s.Attributes,
			SavedAt:             s.SavedAt,
		})
	}

	applied := make([]appliedCouponResponse, 0, len(c.AppliedCoupons))
	for _, ac := range c.AppliedCoupons {
		applied = append(applied, appliedCouponResponse{Code: ac.Code, AppliedAt: ac.AppliedAt})
	}

	lines := make([]couponLineResponse, 0, len(c.Summary.Coupons))
	for _, l := range c.Summary.Coupons {
		line := couponLineResponse{
			Code:     l.Code,
			Discount: money(l.Discount, cur),
			Valid:    l.Valid,
			Reason:   l.Reason,
		}
		if !l.Valid {
			line.Message = "coupon no longer valid"
		}
		lines = append(lines, line)
	}

	return cartResponse{
		ID:             c.ID,
		Version:        c.Version,
		Status:         string(c.Status),
		UserID:         c.Owner.UserID,
		SessionID:      c.Owner.SessionID,
		Currency:       cur,
		Items:          items,
		SavedForLater:  saved,
		AppliedCoupons: applied,
		Summary: summaryResponse{
			Subtotal:       money(c.Summary.Subtotal, cur),
			TaxAmount:      money(c.Summary.TaxAmount, cur),
			DiscountAmount: money(c.Summary.DiscountAmount, cur),
			ShippingAmount: money(c.Summary.ShippingAmount, cur),
			TotalAmount:    money(c.Summary.TotalAmount, cur),
			Coupons:        lines,
		},
		TotalQuantity: totalQty,
		ExpiresAt:     c.ExpiresAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func toCouponResult(r coupon.Result, currency string) couponResultResponse {
	return couponResultResponse{
		Code:     r.Code,
		Valid:    r.Valid,
		Discount: money(r.Discount, currency),
		Reason:   string(r.Reason),
		Detail:   r.Detail,
	}
}
