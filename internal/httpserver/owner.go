package httpserver

import (
	"strings"

	"cartengine/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
	ownerCtxKey     = "cart.owner"
)

// ownerMiddleware resolves the cart owner from exactly one of the user or
// session headers and aborts with 400 otherwise.
func ownerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := domain.OwnerKey{
			UserID:    strings.TrimSpace(c.GetHeader(headerUserID)),
			SessionID: strings.TrimSpace(c.GetHeader(headerSessionID)),
		}
		if err := owner.Validate(); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ownerCtxKey, owner)
		c.Next()
	}
}

func ownerFrom(c *gin.Context) domain.OwnerKey {
	return c.MustGet(ownerCtxKey).(domain.OwnerKey)
}

// lineKeyFrom reads the line key from the :productId path segment and the
// optional variantId query parameter.
func lineKeyFrom(c *gin.Context) domain.LineKey {
	return domain.LineKey{
		ProductID: strings.TrimSpace(c.Param("productId")),
		VariantID: strings.TrimSpace(c.Query("variantId")),
	}
}
