// Package validation provides input validation middleware for the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text reason fields.
const MaxReasonLength = 2000

var (
	// actorIDRegex validates actor identifiers: printable token, no
	// whitespace, bounded length.
	actorIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,64}$`)
	// tradeIDRegex validates sequence-derived trade identifiers.
	tradeIDRegex = regexp.MustCompile(`^TRD-\d{5,}$`)
	// currencyRegex validates ISO 4217 alphabetic codes.
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidActorID checks if a string is an acceptable actor identifier.
func IsValidActorID(id string) bool {
	return actorIDRegex.MatchString(id)
}

// IsValidTradeID checks if a string looks like a trade identifier.
func IsValidTradeID(id string) bool {
	return tradeIDRegex.MatchString(id)
}

// IsValidCurrency checks if a string is an ISO 4217 alphabetic code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// SanitizeString trims whitespace, strips null bytes, and bounds length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidActor checks if a field is an acceptable actor identifier.
func ValidActor(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidActorID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 chars of letters, digits, or _.@:-"}
		}
		return nil
	}
}

// ValidCurrencyCode checks if a field is an ISO 4217 code.
func ValidCurrencyCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO 4217 code"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ActorHeaderMiddleware rejects requests whose X-Actor-ID header is
// present but malformed, before any handler sees it.
func ActorHeaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetHeader("X-Actor-ID")
		if actor != "" && !IsValidActorID(actor) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": "X-Actor-ID must be 1-64 chars of letters, digits, or _.@:-",
			})
			return
		}
		c.Next()
	}
}
