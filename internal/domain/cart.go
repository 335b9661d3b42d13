package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	StatusActive    CartStatus = "ACTIVE"
	StatusConverted CartStatus = "CONVERTED"
	StatusExpired   CartStatus = "EXPIRED"
)

// Cart is one shopper's in-progress order. Summary is derived and only
// written by a recalculation pass.
type Cart struct {
	ID             string          `json:"id"`
	Owner          OwnerKey        `json:"owner"`
	Status         CartStatus      `json:"status"`
	Items          []CartItem      `json:"items"`
	SavedForLater  []SavedItem     `json:"savedForLater"`
	AppliedCoupons []AppliedCoupon `json:"appliedCoupons"`
	Currency       string          `json:"currency"`
	Summary        Summary         `json:"summary"`
	Version        int64           `json:"version"`
	ExpiresAt      *time.Time      `json:"expiresAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// LineKey identifies a cart line. An empty VariantID is its own distinct key.
type LineKey struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
}

func (k LineKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

// Dimensions are expressed in millimetres.
type Dimensions struct {
	LengthMM int `json:"lengthMm"`
	WidthMM  int `json:"widthMm"`
	HeightMM int `json:"heightMm"`
}

// ItemAttributes is the fixed, optional descriptive shape carried by a line.
type ItemAttributes struct {
	Color       string      `json:"color,omitempty"`
	Size        string      `json:"size,omitempty"`
	WeightGrams int         `json:"weightGrams,omitempty"`
	Dimensions  *Dimensions `json:"dimensions,omitempty"`
}

// CartItem is a product line with a price-time snapshot of catalog data.
type CartItem struct {
	ProductID           string           `json:"productId"`
	VariantID           string           `json:"variantId,omitempty"`
	Name                string           `json:"name"`
	SKU                 string           `json:"sku"`
	UnitPrice           decimal.Decimal  `json:"unitPrice"`
	ComparePrice        *decimal.Decimal `json:"comparePrice,omitempty"`
	Quantity            int              `json:"quantity"`
	MaxQuantity         *int             `json:"maxQuantity,omitempty"`
	IsAvailable         bool             `json:"isAvailable"`
	AvailabilityMessage string           `json:"availabilityMessage,omitempty"`
	Attributes          *ItemAttributes  `json:"attributes,omitempty"`
	AddedAt             time.Time        `json:"addedAt"`
}

func (i CartItem) Key() LineKey {
	return LineKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// LineTotal is unitPrice * quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ClampQuantity caps q at MaxQuantity when one is set.
func (i CartItem) ClampQuantity(q int) int {
	if i.MaxQuantity != nil && q > *i.MaxQuantity {
		return *i.MaxQuantity
	}
	return q
}

// Saved converts the line into a saved-for-later entry.
func (i CartItem) Saved(at time.Time) SavedItem {
	return SavedItem{
		ProductID:           i.ProductID,
		VariantID:           i.VariantID,
		Name:                i.Name,
		SKU:                 i.SKU,
		UnitPrice:           i.UnitPrice,
		ComparePrice:        i.ComparePrice,
		MaxQuantity:         i.MaxQuantity,
		IsAvailable:         i.IsAvailable,
		AvailabilityMessage: i.AvailabilityMessage,
		Attributes:          i.Attributes,
		SavedAt:             at,
	}
}

// SavedItem mirrors CartItem without an in-cart quantity.
type SavedItem struct {
	ProductID           string           `json:"productId"`
	VariantID           string           `json:"variantId,omitempty"`
	Name                string           `json:"name"`
	SKU                 string           `json:"sku"`
	UnitPrice           decimal.Decimal  `json:"unitPrice"`
	ComparePrice        *decimal.Decimal `json:"comparePrice,omitempty"`
	MaxQuantity         *int             `json:"maxQuantity,omitempty"`
	IsAvailable         bool             `json:"isAvailable"`
	AvailabilityMessage string           `json:"availabilityMessage,omitempty"`
	Attributes          *ItemAttributes  `json:"attributes,omitempty"`
	SavedAt             time.Time        `json:"savedAt"`
}

func (s SavedItem) Key() LineKey {
	return LineKey{ProductID: s.ProductID, VariantID: s.VariantID}
}

// InCart converts the saved entry back into a cart line.
func (s SavedItem) InCart(quantity int, at time.Time) CartItem {
	return CartItem{
		ProductID:           s.ProductID,
		VariantID:           s.VariantID,
		Name:                s.Name,
		SKU:                 s.SKU,
		UnitPrice:           s.UnitPrice,
		ComparePrice:        s.ComparePrice,
		Quantity:            quantity,
		MaxQuantity:         s.MaxQuantity,
		IsAvailable:         s.IsAvailable,
		AvailabilityMessage: s.AvailabilityMessage,
		Attributes:          s.Attributes,
		AddedAt:             at,
	}
}

// AppliedCoupon records a code together with the definition it was applied with.
type AppliedCoupon struct {
	Code       string           `json:"code"`
	Definition CouponDefinition `json:"definition"`
	AppliedAt  time.Time        `json:"appliedAt"`
}

type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

// CouponDefinition is supplied by the coupon catalog and treated as opaque input.
type CouponDefinition struct {
	Type            CouponType       `json:"type"`
	Value           decimal.Decimal  `json:"value"`
	MinimumPurchase *decimal.Decimal `json:"minimumPurchase,omitempty"`
	MaxDiscount     *decimal.Decimal `json:"maxDiscount,omitempty"`
}

// NormalizeCouponCode trims and upper-cases a code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CouponLine reports the evaluated state of one applied coupon.
type CouponLine struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
	Valid    bool            `json:"valid"`
	Reason   string          `json:"reason,omitempty"`
}

type Summary struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	ShippingAmount decimal.Decimal `json:"shippingAmount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Coupons        []CouponLine    `json:"coupons"`
}

func (c *Cart) IsMutable() bool {
	return c.Status == StatusActive
}

// Expired reports whether a session cart is past its expiry at now.
func (c *Cart) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// FindItem returns the index of the line with key k, or -1.
func (c *Cart) FindItem(k LineKey) int {
	for i := range c.Items {
		if c.Items[i].Key() == k {
			return i
		}
	}
	return -1
}

// FindSaved returns the index of the saved entry with key k, or -1.
func (c *Cart) FindSaved(k LineKey) int {
	for i := range c.SavedForLater {
		if c.SavedForLater[i].Key() == k {
			return i
		}
	}
	return -1
}

func (c *Cart) RemoveItemAt(i int) {
	c.Items = append(c.Items[:i:i], c.Items[i+1:]...)
}

func (c *Cart) RemoveSavedAt(i int) {
	c.SavedForLater = append(c.SavedForLater[:i:i], c.SavedForLater[i+1:]...)
}

func (c *Cart) HasCoupon(code string) bool {
	for _, ac := range c.AppliedCoupons {
		if ac.Code == code {
			return true
		}
	}
	return false
}

// CouponCodes lists applied codes in application order.
func (c *Cart) CouponCodes() []string {
	codes := make([]string, 0, len(c.AppliedCoupons))
	for _, ac := range c.AppliedCoupons {
		codes = append(codes, ac.Code)
	}
	return codes
}

// Clone returns a deep copy safe to mutate.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = append([]CartItem(nil), c.Items...)
	out.SavedForLater = append([]SavedItem(nil), c.SavedForLater...)
	out.AppliedCoupons = append([]AppliedCoupon(nil), c.AppliedCoupons...)
	out.Summary.Coupons = append([]CouponLine(nil), c.Summary.Coupons...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
