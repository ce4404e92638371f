// Package phone normalizes subscriber numbers and decides which of them are
// currently suppressed as ineffective.
package phone

import (
	"sort"
	"strings"
	"time"

	"colldialer/internal/models"
)

const countryCode = "62"

// Normalize returns the number in international digits-only form, or "" when it
// cannot be a dialable mobile number.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "00"+countryCode):
		digits = digits[2:]
	case strings.HasPrefix(digits, countryCode):
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case strings.HasPrefix(digits, "8"):
		digits = countryCode + digits
	default:
		return ""
	}

	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return digits
}

// Unique normalizes numbers and drops blanks and duplicates, keeping the first-seen order.
func Unique(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n := Normalize(r)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Policy suppresses a number that failed on ConsecutiveDays calendar days in a
// row until RefreshDays have passed since the last failing day of that run.
// LookbackDays bounds how old a run may be before the refresh period.
type Policy struct {
	ConsecutiveDays int
	LookbackDays    int
	RefreshDays     int
}

// Enabled reports whether the policy can suppress anything.
func (p Policy) Enabled() bool {
	return p.ConsecutiveDays > 0 && p.LookbackDays >= p.ConsecutiveDays
}

// HistoryStart is the first call day the policy needs to look at for day.
func (p Policy) HistoryStart(day time.Time) time.Time {
	return day.AddDate(0, 0, -(p.LookbackDays + p.RefreshDays))
}

// Suppressed reports whether number is ineffective on day given its attempts.
// Attempts for other numbers and attempts on or after day are ignored.
func (p Policy) Suppressed(number string, attempts []models.ContactAttempt, day time.Time) bool {
	if !p.Enabled() {
		return false
	}
	number = Normalize(number)
	if number == "" {
		return false
	}

	day = truncateDay(day)
	start := p.HistoryStart(day)

	// per call day: true when at least one attempt connected
	outcome := make(map[time.Time]bool)
	for _, a := range attempts {
		if Normalize(a.PhoneNumber) != number {
			continue
		}
		d, err := time.ParseInLocation(models.DateLayout, a.CallDate, day.Location())
		if err != nil || d.Before(start) || !d.Before(day) {
			continue
		}
		outcome[d] = outcome[d] || a.Effective
	}
	if len(outcome) == 0 {
		return false
	}

	days := make([]time.Time, 0, len(outcome))
	for d := range outcome {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	// newest first; a connected day clears every older streak
	run := 0
	var runEnd, prev time.Time
	for _, d := range days {
		if outcome[d] {
			return false
		}
		if run == 0 || !prev.AddDate(0, 0, -1).Equal(d) {
			run = 0
			runEnd = d
		}
		run++
		prev = d
		if run >= p.ConsecutiveDays {
			return !day.After(runEnd.AddDate(0, 0, p.RefreshDays))
		}
	}
	return false
}

// Filter splits numbers into effective and suppressed, preserving order.
func (p Policy) Filter(numbers []string, attempts []models.ContactAttempt, day time.Time) (effective, suppressed []string) {
	for _, n := range Unique(numbers) {
		if p.Suppressed(n, attempts, day) {
			suppressed = append(suppressed, n)
			continue
		}
		effective = append(effective, n)
	}
	return effective, suppressed
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
