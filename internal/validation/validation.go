package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxAggregateIDLength bounds aggregate identifiers.
const MaxAggregateIDLength = 128

// MaxPayloadBytes bounds a single mutation payload.
const MaxPayloadBytes = 1 << 20

// MaxTenantIDLength bounds tenant identifiers.
const MaxTenantIDLength = 64

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tenantIDPattern starts and ends with a lowercase alphanumeric and may
// contain hyphens in between.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err joins the accumulated errors into one, or returns nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	msgs := make([]string, len(c.errors))
	for i, e := range c.errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateUUID returns an error if the value is not a UUID.
func ValidateUUID(field, value string) *ValidationError {
	if _, err := uuid.Parse(value); err != nil {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid UUID",
		}
	}
	return nil
}

// ValidateIdentifier returns an error unless the value can name a table:
// a letter or underscore followed by letters, digits or underscores.
func ValidateIdentifier(field, value string) *ValidationError {
	if !identifierPattern.MatchString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must start with a letter or underscore and contain only letters, digits and underscores",
		}
	}
	return nil
}

// ValidateJSONObject returns an error if the payload is not a JSON object or
// exceeds maxBytes.
func ValidateJSONObject(field string, payload []byte, maxBytes int) *ValidationError {
	if len(payload) > maxBytes {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", maxBytes),
		}
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return &ValidationError{
			Field:   field,
			Message: "must be a JSON object",
		}
	}
	return nil
}

// ValidateTenantID returns an error unless the value is a lowercase
// alphanumeric tenant ID, optionally hyphenated, of at most
// MaxTenantIDLength characters. Tenant IDs name directories and URL segments.
func ValidateTenantID(field, value string) *ValidationError {
	if len(value) > MaxTenantIDLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxTenantIDLength),
		}
	}
	if !tenantIDPattern.MatchString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be lowercase alphanumeric with hyphens",
		}
	}
	return nil
}
