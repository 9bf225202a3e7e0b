package metrics

import "unicode/utf8"

// Maximum character counts of MySQL text columns.
const (
	MySQLTextMaxChars       = 65_535
	MySQLMediumTextMaxChars = 16_777_215
	MySQLLongTextMaxChars   = 4_294_967_295
)

// Truncate cuts s to at most maxChars runes. maxChars <= 0 returns s unchanged.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}

	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}

// TruncatePtr is Truncate for optional values.
func TruncatePtr(s *string, maxChars int) *string {
	if s == nil {
		return nil
	}
	t := Truncate(*s, maxChars)
	return &t
}
