package httpserver

import (
	"errors"
	"net/http"

	"cartengine/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	Errors     []errorDetail `json:"errors"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorKind struct {
	target error
	status int
	code   string
}

var errorKinds = []errorKind{
	{domain.ErrInvalidOwner, http.StatusBadRequest, "InvalidOwner"},
	{domain.ErrInvalidItem, http.StatusBadRequest, "InvalidItem"},
	{domain.ErrInvalidQuantity, http.StatusUnprocessableEntity, "InvalidQuantity"},
	{domain.ErrCouponInvalid, http.StatusUnprocessableEntity, "CouponInvalid"},
	{domain.ErrCartNotFound, http.StatusNotFound, "CartNotFound"},
	{domain.ErrItemNotFound, http.StatusNotFound, "ItemNotFound"},
	{domain.ErrProductNotFound, http.StatusNotFound, "ProductNotFound"},
	{domain.ErrCouponNotFound, http.StatusNotFound, "CouponNotFound"},
	{domain.ErrTerminalState, http.StatusConflict, "TerminalState"},
	{domain.ErrEmptyCart, http.StatusConflict, "EmptyCart"},
	{domain.ErrConcurrentModification, http.StatusServiceUnavailable, "ConcurrentModification"},
	{domain.ErrTimeout, http.StatusServiceUnavailable, "Timeout"},
	{domain.ErrPersistenceUnavailable, http.StatusServiceUnavailable, "PersistenceUnavailable"},
}

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("malformed request")

func classify(err error) (int, string) {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest, "InvalidInput"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "General"
}

// writeError renders err in the API error shape. Internal errors are not
// echoed to the client.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal server error"
	}
	retryable := domain.IsRetryable(err)
	if retryable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, errorResponse{
		StatusCode: status,
		Message:    msg,
		Retryable:  retryable,
		Errors:     []errorDetail{{Code: code, Message: msg}},
	})
}
