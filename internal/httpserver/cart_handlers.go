package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type cartHandlers struct {
	svc     CartService
	catalog ProductLookup
	coupons CouponLookup
	logger  *zap.Logger
}

// addItemRequest carries either a SKU to snapshot from the catalog or a full
// item snapshot.
type addItemRequest struct {
	SKU                 string                 `json:"sku"`
	Quantity            *int                   `json:"quantity"`
	ProductID           string                 `json:"productId"`
	VariantID           string                 `json:"variantId"`
	Name                string                 `json:"name"`
	UnitPrice           *decimal.Decimal       `json:"unitPrice"`
	ComparePrice        *decimal.Decimal       `json:"comparePrice"`
	MaxQuantity         *int                   `json:"maxQuantity"`
	IsAvailable         *bool                  `json:"isAvailable"`
	AvailabilityMessage string                 `json:"availabilityMessage"`
	Attributes          *domain.ItemAttributes `json:"attributes"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity"`
}

type applyCouponRequest struct {
	Code       string                   `json:"code"`
	Definition *domain.CouponDefinition `json:"definition"`
}

type mergeRequest struct {
	SessionID string `json:"sessionId"`
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (h *cartHandlers) respond(c *gin.Context, status int, cart *domain.Cart, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, toCartResponse(cart))
}

func (h *cartHandlers) getCart(c *gin.Context) {
	cart, err := h.svc.GetOrCreateCart(c.Request.Context(), ownerFrom(c))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) addItem(c *gin.Context) {
	var req addItemRequest
	if !bind(c, &req) {
		return
	}
	item, err := h.resolveItem(c, req)
	if err != nil {
		writeError(c, err)
		return
	}
	cart, err := h.svc.AddItem(c.Request.Context(), ownerFrom(c), item)
	h.respond(c, http.StatusOK, cart, err)
}

// resolveItem snapshots the catalog product when only a SKU is given.
func (h *cartHandlers) resolveItem(c *gin.Context, req addItemRequest) (domain.CartItem, error) {
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	if req.ProductID == "" {
		sku := strings.TrimSpace(req.SKU)
		if sku == "" {
			return domain.CartItem{}, fmt.Errorf("%w: sku or productId required", domain.ErrInvalidItem)
		}
		if h.catalog == nil {
			return domain.CartItem{}, fmt.Errorf("%w: catalog lookup unavailable, send a full item", domain.ErrInvalidItem)
		}
		p, err := h.catalog.GetBySKU(c.Request.Context(), sku)
		if err != nil {
			return domain.CartItem{}, err
		}
		return p.Snapshot(qty, time.Now()), nil
	}

	if req.UnitPrice == nil {
		return domain.CartItem{}, fmt.Errorf("%w: unitPrice required", domain.ErrInvalidItem)
	}
	available := true
	if req.IsAvailable != nil {
		available = *req.IsAvailable
	}
	return domain.CartItem{
		ProductID:           req.ProductID,
		VariantID:           req.VariantID,
		Name:                req.Name,
		SKU:                 req.SKU,
		UnitPrice:           *req.UnitPrice,
		ComparePrice:        req.ComparePrice,
		Quantity:            qty,
		MaxQuantity:         req.MaxQuantity,
		IsAvailable:         available,
		AvailabilityMessage: req.AvailabilityMessage,
		Attributes:          req.Attributes,
	}, nil
}

func (h *cartHandlers) updateItem(c *gin.Context) {
	var req quantityRequest
	if !bind(c, &req) {
		return
	}
	if req.Quantity == nil {
		writeError(c, fmt.Errorf("%w: quantity required", domain.ErrInvalidQuantity))
		return
	}
	cart, err := h.svc.UpdateItemQuantity(c.Request.Context(), ownerFrom(c), lineKeyFrom(c), *req.Quantity)
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) removeItem(c *gin.Context) {
	cart, err := h.svc.RemoveItem(c.Request.Context(), ownerFrom(c), lineKeyFrom(c))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) saveForLater(c *gin.Context) {
	cart, err := h.svc.SaveForLater(c.Request.Context(), ownerFrom(c), lineKeyFrom(c))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) moveToCart(c *gin.Context) {
	qty := 1
	if c.Request.ContentLength > 0 {
		var req quantityRequest
		if !bind(c, &req) {
			return
		}
		if req.Quantity != nil {
			qty = *req.Quantity
		}
	}
	cart, err := h.svc.MoveToCart(c.Request.Context(), ownerFrom(c), lineKeyFrom(c), qty)
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) removeSaved(c *gin.Context) {
	cart, err := h.svc.RemoveSavedItem(c.Request.Context(), ownerFrom(c), lineKeyFrom(c))
	h.respond(c, http.StatusOK, cart, err)
}

// applyCoupon answers 200 for an applied or duplicate code and 422 for any
// other rejection; both carry the current cart.
func (h *cartHandlers) applyCoupon(c *gin.Context) {
	var req applyCouponRequest
	if !bind(c, &req) {
		return
	}
	code := domain.NormalizeCouponCode(req.Code)
	if code == "" {
		writeError(c, fmt.Errorf("%w: code required", errBadRequest))
		return
	}

	var def domain.CouponDefinition
	switch {
	case req.Definition != nil:
		def = *req.Definition
	case h.coupons != nil:
		found, err := h.coupons.GetByCode(c.Request.Context(), code)
		if err != nil {
			writeError(c, err)
			return
		}
		def = *found
	default:
		writeError(c, fmt.Errorf("%w: coupon lookup unavailable, send a definition", errBadRequest))
		return
	}

	cart, res, err := h.svc.ApplyCoupon(c.Request.Context(), ownerFrom(c), code, def)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Valid && res.Reason != coupon.ReasonAlreadyApplied {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, applyCouponResponse{
		Cart:   toCartResponse(cart),
		Coupon: toCouponResult(res, cart.Currency),
	})
}

func (h *cartHandlers) removeCoupon(c *gin.Context) {
	cart, err := h.svc.RemoveCoupon(c.Request.Context(), ownerFrom(c), c.Param("code"))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) clearCart(c *gin.Context) {
	cart, err := h.svc.ClearCart(c.Request.Context(), ownerFrom(c))
	h.respond(c, http.StatusOK, cart, err)
}

// mergeGuestCart needs the authenticated user header and the guest session,
// taken from the body or the session header.
func (h *cartHandlers) mergeGuestCart(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(headerUserID))
	sessionID := strings.TrimSpace(c.GetHeader(headerSessionID))
	if c.Request.ContentLength > 0 {
		var req mergeRequest
		if !bind(c, &req) {
			return
		}
		if s := strings.TrimSpace(req.SessionID); s != "" {
			sessionID = s
		}
	}
	if userID == "" || sessionID == "" {
		writeError(c, fmt.Errorf("%w: merge needs %s and a session id", domain.ErrInvalidOwner, headerUserID))
		return
	}

	cart, rep, err := h.svc.MergeGuestCart(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mergeResponse{Cart: toCartResponse(cart), Merge: rep})
}

func (h *cartHandlers) loadCart(c *gin.Context) {
	cart, err := h.svc.Load(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *cartHandlers) markConverted(c *gin.Context) {
	cart, err := h.svc.MarkConverted(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrEmptyCart) {
		h.logger.Info("conversion of empty cart refused", zap.String("cart_id", c.Param("id")))
	}
	h.respond(c, http.StatusOK, cart, err)
}
