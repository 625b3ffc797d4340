package server

import (
	"errors"
	"net/http"

	registerdomain "github.com/fiskalwerk/rksv/internal/cashregister/domain"
	counterdomain "github.com/fiskalwerk/rksv/internal/counter/domain"
	receiptdomain "github.com/fiskalwerk/rksv/internal/receipt/domain"
	rksvdomain "github.com/fiskalwerk/rksv/internal/registrierkasse/domain"
	"github.com/fiskalwerk/rksv/internal/signature"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

// ErrorHandlingMiddleware turns domain errors queued on the context into the
// JSON error envelope. Handlers push errors with AbortWithError and never
// write error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, registerdomain.ErrInvalidRegisterID),
		errors.Is(err, rksvdomain.ErrInvalidClosingType),
		errors.Is(err, receiptdomain.ErrMissingField),
		errors.Is(err, receiptdomain.ErrVatMismatch),
		errors.Is(err, receiptdomain.ErrItemsMismatch),
		errors.Is(err, signature.ErrMalformedJWS):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.Is(err, registerdomain.ErrNotFound),
		errors.Is(err, receiptdomain.ErrReceiptNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}

	case errors.Is(err, registerdomain.ErrAlreadyRegistered),
		errors.Is(err, counterdomain.ErrAlreadyInitialized),
		errors.Is(err, receiptdomain.ErrDuplicateNumber),
		errors.Is(err, counterdomain.ErrVersionConflict),
		errors.Is(err, registerdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, rksvdomain.ErrRegisterBusy):
		return http.StatusConflict, errorPayload{Type: "register_busy", Message: "a signing operation is already in flight for this register"}

	case errors.Is(err, rksvdomain.ErrRegisterNotActive):
		return http.StatusUnprocessableEntity, errorPayload{Type: "register_not_active", Message: err.Error()}

	case errors.Is(err, counterdomain.ErrCounterOverflow):
		return http.StatusUnprocessableEntity, errorPayload{Type: "counter_overflow", Message: "counter limit reached, register can no longer sign"}

	case errors.Is(err, signature.ErrDevice):
		return http.StatusBadGateway, errorPayload{Type: "signature_device_failure", Message: "signature device unavailable"}

	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

// classifyErrorForLog labels queued errors for the request log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}
