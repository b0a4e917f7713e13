package api

import "unicode/utf8"

// maxNumberLen bounds phone number fields before E.164 validation.
const maxNumberLen = 32

// maxIDLen is the maximum length for provider identifiers (voice connector IDs).
const maxIDLen = 128

// maxProductTypeLen is the maximum length for the ProductType field.
const maxProductTypeLen = 40

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// containsControlChars reports whether s has any control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateField runs the length and character checks for one field.
func validateField(field, value string, maxLen int) string {
	if msg := validateStringLen(field, value, maxLen); msg != "" {
		return msg
	}
	return validateNoControlChars(field, value)
}
