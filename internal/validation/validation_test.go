package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidActorID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"alice.smith", true},
		{"ops@example.com", true},
		{"svc:sweeper-1", true},
		{"A_b-C.d", true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{"emojié", false},
		{"slash/id", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}

	for _, tc := range tests {
		result := IsValidActorID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidActorID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidTradeID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"TRD-10001", true},
		{"TRD-99999999", true},

		// Invalid
		{"TRD-1", false}, // Too few digits
		{"trd-10001", false},
		{"TRD10001", false},
		{"TRD-abcde", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidTradeID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidTradeID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"USD", true},
		{"eur", true},
		{"Ngn", true},

		// Invalid
		{"US", false},
		{"USDT", false},
		{"U$D", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("buyerId", "bob"),
		ValidActor("buyerId", "bob"),
		ValidCurrencyCode("currency", "USD"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("buyerId", ""),
		ValidActor("sellerId", "not valid"),
		ValidCurrencyCode("currency", "DOLLARS"),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestValidatorsSkipEmptyValues(t *testing.T) {
	// Optional fields pass when blank; Required is the only blank check.
	if err := ValidActor("buyerId", "")(); err != nil {
		t.Errorf("ValidActor on empty = %v, want nil", err)
	}
	if err := ValidCurrencyCode("currency", "")(); err != nil {
		t.Errorf("ValidCurrencyCode on empty = %v, want nil", err)
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestActorHeaderMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ActorHeaderMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		actor  string
		status int
	}{
		{"no header passes", "", http.StatusOK},
		{"valid header passes", "alice", http.StatusOK},
		{"malformed header rejected", "not a valid id", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.actor != "" {
				req.Header.Set("X-Actor-ID", tc.actor)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}
