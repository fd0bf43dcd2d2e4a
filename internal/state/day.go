package state

import "time"

// DayLayout is the wire format of usageDay values.
const DayLayout = "2006-01-02"

// Day returns the calendar day of t in t's own location.
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// NextMidnight returns the start of the day after t, in t's location.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
