package models

import "time"

// ExpiryMonths is the purchase validity window in calendar months.
const ExpiryMonths = 6

// AddCalendarMonths shifts t forward by the given number of calendar months,
// clamping to the last day of the target month when the source day does not
// exist there (Aug 31 + 6 months is Feb 28/29, not Mar 2).
func AddCalendarMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	hour, min, sec := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

// ExpiryFor returns the expiration timestamp for a purchase made at t.
func ExpiryFor(purchasedAt time.Time) time.Time {
	return AddCalendarMonths(purchasedAt, ExpiryMonths)
}
