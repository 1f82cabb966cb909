package utils

import (
	"fmt"
	"time"
)

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// FromMillis converts epoch milliseconds to a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// FormatCallDuration formats an elapsed call time as mm:ss, or h:mm:ss past an hour.
func FormatCallDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatLastSeen renders a last-seen timestamp relative to now.
func FormatLastSeen(ms int64) string {
	if ms == 0 {
		return "never"
	}
	elapsed := Now().Sub(FromMillis(ms))
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed/time.Hour))
	default:
		return FromMillis(ms).Format("2006-01-02")
	}
}
