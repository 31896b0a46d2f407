package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	errCodeBadRequest       ErrorCode = "bad_request"
	errCodeNotFound         ErrorCode = "not_found"
	errCodeValidationFailed ErrorCode = "validation_failed"
	errCodeUnauthorized     ErrorCode = "unauthorized"
	errCodeForbidden        ErrorCode = "forbidden"
	errCodeConflict         ErrorCode = "conflict"
	errCodeGone             ErrorCode = "gone"

	// Server errors (5xx)
	errCodeInternalError ErrorCode = "internal_error"
)

// errorResponse represents a standardized error response
type errorResponse struct {
	Error errorDetail `json:"error"`
}

// errorDetail contains error information
type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, statusCode int, code ErrorCode, message string, details ...string) {
	response := errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	}

	if len(details) > 0 {
		response.Error.Details = details[0]
	}

	c.JSON(statusCode, response)
}

// respondBadRequest sends a 400 Bad Request response
func respondBadRequest(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusBadRequest, errCodeBadRequest, message, details...)
}

// respondNotFound sends a 404 Not Found response
func respondNotFound(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusNotFound, errCodeNotFound, message, details...)
}

// respondValidationError sends a 422 Unprocessable Entity response
func respondValidationError(c *gin.Context, details string) {
	respondWithError(c, http.StatusUnprocessableEntity, errCodeValidationFailed, "Validation failed", details)
}

// respondInternalError sends a 500 Internal Server Error response and logs the error
func respondInternalError(c *gin.Context, err error, message string, fields ...zap.Field) {
	logger.Error(err, fields...)
	respondWithError(c, http.StatusInternalServerError, errCodeInternalError, message)
}

// respondDomainError maps domain sentinel errors to HTTP responses.
// Anything unmapped is treated as an internal error.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrCardNotFound):
		respondWithError(c, http.StatusNotFound, errCodeNotFound, "Card not found")

	case errors.Is(err, domain.ErrDuplicateUID):
		respondWithError(c, http.StatusConflict, errCodeConflict, "Chip UID already registered")
	case errors.Is(err, domain.ErrTradeAlreadyActive):
		respondWithError(c, http.StatusConflict, errCodeConflict, "A pending trade already exists for this card")
	case errors.Is(err, domain.ErrAlreadyActivated):
		respondWithError(c, http.StatusConflict, errCodeConflict, "Card already activated")
	case errors.Is(err, domain.ErrInvalidTransition):
		respondWithError(c, http.StatusConflict, errCodeConflict, "Card is not in the required state")

	case errors.Is(err, domain.ErrCodeExpired):
		respondWithError(c, http.StatusGone, errCodeGone, "Activation code expired")
	case errors.Is(err, domain.ErrTradeExpired):
		respondWithError(c, http.StatusGone, errCodeGone, "Trade offer expired or no longer pending")

	case errors.Is(err, domain.ErrNotOwner):
		respondWithError(c, http.StatusForbidden, errCodeForbidden, "Not the card owner")
	case errors.Is(err, domain.ErrSelfTrade):
		respondWithError(c, http.StatusForbidden, errCodeForbidden, "Self trade rejected")

	case errors.Is(err, domain.ErrCardInvalid):
		respondWithError(c, http.StatusUnauthorized, errCodeUnauthorized, "Card invalid")
	case errors.Is(err, domain.ErrCryptoMismatch):
		respondWithError(c, http.StatusUnauthorized, errCodeUnauthorized, "Authentication failed")
	case errors.Is(err, domain.ErrReplaySuspected):
		respondWithError(c, http.StatusUnauthorized, errCodeUnauthorized, "Challenge invalid, expired, or already used")
	case errors.Is(err, domain.ErrInvalidCode):
		respondWithError(c, http.StatusUnauthorized, errCodeUnauthorized, "Code does not match")

	default:
		respondInternalError(c, err, "Request failed")
	}
}
