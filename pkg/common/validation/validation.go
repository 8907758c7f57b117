package validation

import (
	"strings"
	"time"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
)

// ValidateNonNegative validates that an integer value is >= 0.
func ValidateNonNegative(module, field string, value int64) error {
	if value < 0 {
		return lberrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive value")
	}
	return nil
}

// ValidatePositive validates that an integer value is > 0.
func ValidatePositive(module, field string, value int64) error {
	if value <= 0 {
		return lberrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidatePositiveDuration validates that d is at least one second. Sub-second
// durations are rejected because all instants are tracked in whole seconds.
func ValidatePositiveDuration(module, field string, d time.Duration) error {
	if d < time.Second {
		return lberrors.NewValidationError(module, field, d, "must be at least 1s").
			WithHint("instants are tracked in whole seconds")
	}
	return nil
}

// ValidateNonNegativeDuration validates that d is >= 0.
func ValidateNonNegativeDuration(module, field string, d time.Duration) error {
	if d < 0 {
		return lberrors.NewValidationError(module, field, d, "cannot be negative").
			WithHint("use 0 or a positive duration")
	}
	return nil
}

// ValidateNotEmpty validates that a string value is not empty.
func ValidateNotEmpty(module, field string, value string) error {
	if value == "" {
		return lberrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateOneOf validates that value is one of allowed, ignoring case.
func ValidateOneOf(module, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return lberrors.NewValidationError(module, field, value, "unsupported value").
		WithHint("use one of: " + strings.Join(allowed, ", "))
}
