package sys

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ============================================================================
// String Utilities
// ============================================================================

// Truncate truncates a string to the specified rune length with ellipsis at the end.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// TruncateCenter truncates a string keeping both the start and end.
func TruncateCenter(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	k := (maxLen - 3) / 2
	return string(r[:k]) + "..." + string(r[len(r)-k:])
}

// ContainsLower checks if a string contains a substring (case-insensitive).
func ContainsLower(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ============================================================================
// Display Utilities
// ============================================================================

// FormatClock renders a duration as MM:SS, or HH:MM:SS past an hour.
// Non-positive durations render as "--:--".
func FormatClock(d time.Duration) string {
	if d <= 0 {
		return "--:--"
	}
	total := int(d.Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ProgressBar draws a bar of length cells for a ratio in [0, 1].
func ProgressBar(ratio float64, length int) string {
	ratio = max(0, min(1, ratio))
	filled := int(float64(length) * ratio)
	return strings.Repeat("🟥", filled) + strings.Repeat("💜", length-filled)
}

// FormatBytes renders a size with a binary unit, e.g. "1.5 KiB".
func FormatBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}

// FormatNumber inserts thousands separators.
func FormatNumber(n int64) string {
	return humanize.Comma(n)
}
