package observability

import (
	"strings"
	"unicode"
)

const (
	defaultStringLimit = 256
	visitorIDLimit     = 26
	invalidVisitorID   = "invalid"
)

// sanitizeString drops control characters and caps the rune count. Line breaks
// become spaces so a value never starts a new log line.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			cleaned = append(cleaned, ' ')
		case unicode.IsControl(r):
			continue
		default:
			cleaned = append(cleaned, r)
		}
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute cleans a route pattern for logs and span names.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID limits account identifiers to reduce PII leakage in logs.
func SanitizeUserID(uid string) string {
	if len(uid) == 0 {
		return ""
	}
	return sanitizeString(uid, 64)
}

// SanitizeVisitorID passes visitor ids that fit the ULID alphabet and reports
// anything else as "invalid" instead of echoing it.
func SanitizeVisitorID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if len(id) > visitorIDLimit {
		return invalidVisitorID
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !(unicode.IsDigit(r) || unicode.IsLetter(r)) {
			return invalidVisitorID
		}
	}
	return strings.ToUpper(id)
}
