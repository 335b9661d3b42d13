package httpserver

import (
	"context"
	"errors"
	"time"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"cartengine/internal/merge"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CartService is the owner-facing cart contract the handlers drive.
type CartService interface {
	GetOrCreateCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	Load(ctx context.Context, id string) (*domain.Cart, error)
	AddItem(ctx context.Context, owner domain.OwnerKey, item domain.CartItem) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, owner domain.OwnerKey, key domain.LineKey, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error)
	SaveForLater(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error)
	MoveToCart(ctx context.Context, owner domain.OwnerKey, key domain.LineKey, quantity int) (*domain.Cart, error)
	RemoveSavedItem(ctx context.Context, owner domain.OwnerKey, key domain.LineKey) (*domain.Cart, error)
	ApplyCoupon(ctx context.Context, owner domain.OwnerKey, code string, def domain.CouponDefinition) (*domain.Cart, coupon.Result, error)
	RemoveCoupon(ctx context.Context, owner domain.OwnerKey, code string) (*domain.Cart, error)
	ClearCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	MergeGuestCart(ctx context.Context, sessionID, userID string) (*domain.Cart, merge.Report, error)
	MarkConverted(ctx context.Context, id string) (*domain.Cart, error)
}

// ProductLookup is the catalog collaborator used to snapshot items by SKU.
type ProductLookup interface {
	GetBySKU(ctx context.Context, sku string) (*domain.Product, error)
}

// CouponLookup resolves coupon definitions by code.
type CouponLookup interface {
	GetByCode(ctx context.Context, code string) (*domain.CouponDefinition, error)
}

type Deps struct {
	CartSvc CartService
	// Catalog and Coupons are optional; without them requests must carry
	// full item snapshots and coupon definitions.
	Catalog ProductLookup
	Coupons CouponLookup
	Ready   ReadyCheck
}

// buildRouter wires routes for the API.
func buildRouter(logger *zap.Logger, deps Deps, corsOrigins []string) (*gin.Engine, error) {
	if deps.CartSvc == nil {
		return nil, errors.New("httpserver: cart service is required")
	}
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(accessLog(logger), gin.CustomRecovery(recoverWith(logger)))
	router.Use(cors.New(corsConfig(corsOrigins)))

	router.GET("/healthz", healthHandler)
	router.GET("/readyz", readyHandler(deps.Ready, logger))

	h := &cartHandlers{svc: deps.CartSvc, catalog: deps.Catalog, coupons: deps.Coupons, logger: logger}

	owned := router.Group("/cart", ownerMiddleware())
	owned.GET("", h.getCart)
	owned.DELETE("", h.clearCart)
	owned.POST("/items", h.addItem)
	owned.PATCH("/items/:productId", h.updateItem)
	owned.DELETE("/items/:productId", h.removeItem)
	owned.POST("/items/:productId/save", h.saveForLater)
	owned.POST("/saved/:productId/move", h.moveToCart)
	owned.DELETE("/saved/:productId", h.removeSaved)
	owned.POST("/coupons", h.applyCoupon)
	owned.DELETE("/coupons/:code", h.removeCoupon)

	router.POST("/cart/merge", h.mergeGuestCart)
	router.GET("/carts/:id", h.loadCart)
	router.POST("/carts/:id/convert", h.markConverted)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", headerUserID, headerSessionID},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// accessLog writes one structured line per request.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if owner, ok := c.Get(ownerCtxKey); ok {
			fields = append(fields, zap.Stringer("owner", owner.(domain.OwnerKey)))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func recoverWith(logger *zap.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		logger.Error("panic serving request", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		writeError(c, errors.New("internal server error"))
	}
}
