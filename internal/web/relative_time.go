package web

import (
	"fmt"
	"time"
)

// RelativeTime renders t as a human "N units ago" string relative to now.
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)

	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	case d < time.Hour:
		return pluralize(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return pluralize(int(d.Hours()), "hour") + " ago"
	case d < 30*24*time.Hour:
		return pluralize(int(d.Hours()/24), "day") + " ago"
	case d < 365*24*time.Hour:
		return pluralize(int(d.Hours()/(24*30)), "month") + " ago"
	default:
		return pluralize(int(d.Hours()/(24*365)), "year") + " ago"
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
