package identity

import "strings"

// NormalizeAccount performs case-insensitive canonicalization of an account name.
// Account names double as host labels, so they are trimmed and lower-cased.
func NormalizeAccount(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeLocation trims a location (department) name. Locations are case-sensitive.
func NormalizeLocation(s string) string {
	return strings.TrimSpace(s)
}
