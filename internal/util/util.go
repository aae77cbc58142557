package util

import "strings"

// TruncateString truncates a string to maxLen characters, appending "..."
// when truncation occurs.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// EstimateTokens approximates a token count for budget accounting
// (roughly 4 characters per token).
func EstimateTokens(s string) int {
	return len(s) / 4
}

// ContainsString reports whether slice contains the given value.
func ContainsString(slice []string, value string) bool {
	for _, s := range slice {
		if s == value {
			return true
		}
	}
	return false
}

// NormalizeSpace collapses runs of whitespace into single spaces and trims.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
