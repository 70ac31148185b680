package http

import (
	"errors"
	"net/http"

	"signtrust/internal/domain"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	var otpErr *domain.OTPError
	if errors.As(err, &otpErr) {
		writeOTPError(c, otpErr)
		return
	}
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrOTPNotFound):
		status, code = http.StatusNotFound, "OTP_NOT_FOUND"
	case errors.Is(err, domain.ErrTrailSealed):
		status, code = http.StatusConflict, "TRAIL_SEALED"
	case errors.Is(err, domain.ErrConcurrentModification):
		status, code = http.StatusConflict, "CONCURRENT_MODIFICATION"
	case errors.Is(err, domain.ErrOTPAlreadyUsed):
		status, code = http.StatusConflict, "OTP_ALREADY_USED"
	case errors.Is(err, domain.ErrOTPRequired):
		status, code = http.StatusForbidden, "OTP_REQUIRED"
	case errors.Is(err, domain.ErrDeliveryFailed):
		status, code = http.StatusBadGateway, "OTP_DELIVERY_FAILED"
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorCode(c, status, code, message)
}

func writeOTPError(c *gin.Context, err *domain.OTPError) {
	resp := errorResponse{Message: err.Error(), Details: map[string]any{}}
	status := http.StatusBadRequest
	switch err.Kind {
	case domain.OTPCooldown:
		status, resp.Code = http.StatusTooManyRequests, "OTP_COOLDOWN"
		resp.Details["remaining_seconds"] = err.RemainingSeconds
	case domain.OTPRateLimited:
		status, resp.Code = http.StatusTooManyRequests, "OTP_RATE_LIMITED"
		resp.Details["remaining_seconds"] = err.RemainingSeconds
	case domain.OTPAttemptsExceeded:
		status, resp.Code = http.StatusTooManyRequests, "OTP_ATTEMPTS_EXCEEDED"
		resp.Details["remaining_attempts"] = 0
	case domain.OTPMismatch:
		status, resp.Code = http.StatusBadRequest, "OTP_MISMATCH"
		resp.Details["remaining_attempts"] = err.RemainingAttempts
	case domain.OTPExpired:
		status, resp.Code = http.StatusGone, "OTP_EXPIRED"
	default:
		resp.Code = "OTP_ERROR"
	}
	if len(resp.Details) == 0 {
		resp.Details = nil
	}
	c.AbortWithStatusJSON(status, resp)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
