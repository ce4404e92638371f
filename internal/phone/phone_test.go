package phone

import (
	"testing"
	"time"

	"colldialer/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0812-3456-7890", "6281234567890"},
		{"+62 812 3456 7890", "6281234567890"},
		{"006281234567890", "6281234567890"},
		{"81234567890", "6281234567890"},
		{"6281234567890", "6281234567890"},
		{"", ""},
		{"12345", ""},
		{"0812", ""},
		{"+1 415 555 0100", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"0812-3456-7890", "", "+6281234567890", "0822 1111 2222", "bogus"})
	assert.Equal(t, []string{"6281234567890", "6282211112222"}, got)
}

func attempt(number, day string, effective bool) models.ContactAttempt {
	return models.ContactAttempt{PhoneNumber: number, CallDate: day, Effective: effective}
}

func TestPolicySuppressed(t *testing.T) {
	p := Policy{ConsecutiveDays: 3, LookbackDays: 7, RefreshDays: 14}
	day := time.Date(2024, 3, 20, 9, 30, 0, 0, time.UTC)
	const n = "081234567890"

	tests := []struct {
		name     string
		attempts []models.ContactAttempt
		want     bool
	}{
		{name: "no history", want: false},
		{
			name: "three failing days in a row",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-19", false), attempt(n, "2024-03-18", false), attempt(n, "2024-03-17", false),
			},
			want: true,
		},
		{
			name: "two failing days only",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-19", false), attempt(n, "2024-03-18", false),
			},
			want: false,
		},
		{
			name: "gap breaks the run",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-19", false), attempt(n, "2024-03-17", false), attempt(n, "2024-03-16", false),
			},
			want: false,
		},
		{
			name: "connected after the run clears it",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-19", true),
				attempt(n, "2024-03-15", false), attempt(n, "2024-03-14", false), attempt(n, "2024-03-13", false),
			},
			want: false,
		},
		{
			name: "one connected attempt makes the day effective",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-19", false), attempt(n, "2024-03-18", false),
				attempt(n, "2024-03-17", false), attempt(n, "2024-03-17", true),
			},
			want: false,
		},
		{
			name: "older run still inside refresh",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-18", false),
				attempt(n, "2024-03-10", false), attempt(n, "2024-03-09", false), attempt(n, "2024-03-08", false),
			},
			want: true,
		},
		{
			name: "refresh elapsed",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-05", false), attempt(n, "2024-03-04", false), attempt(n, "2024-03-03", false),
			},
			want: false,
		},
		{
			name: "today's attempts are ignored",
			attempts: []models.ContactAttempt{
				attempt(n, "2024-03-20", false), attempt(n, "2024-03-19", false), attempt(n, "2024-03-18", false),
			},
			want: false,
		},
		{
			name: "other numbers are ignored",
			attempts: []models.ContactAttempt{
				attempt("082211112222", "2024-03-19", false), attempt("082211112222", "2024-03-18", false),
				attempt("082211112222", "2024-03-17", false),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Suppressed(n, tt.attempts, day))
		})
	}
}

func TestPolicyRefreshBoundary(t *testing.T) {
	p := Policy{ConsecutiveDays: 2, LookbackDays: 7, RefreshDays: 3}
	attempts := []models.ContactAttempt{attempt("6281234567890", "2024-03-10", false), attempt("6281234567890", "2024-03-09", false)}

	assert.True(t, p.Suppressed("081234567890", attempts, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)))
	assert.False(t, p.Suppressed("081234567890", attempts, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
}

func TestPolicyDisabled(t *testing.T) {
	attempts := []models.ContactAttempt{attempt("081234567890", "2024-03-19", false)}
	day := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

	assert.False(t, Policy{}.Suppressed("081234567890", attempts, day))
	assert.False(t, Policy{ConsecutiveDays: 3, LookbackDays: 2}.Enabled())
}

func TestPolicyFilter(t *testing.T) {
	p := Policy{ConsecutiveDays: 1, LookbackDays: 7, RefreshDays: 1}
	day := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	attempts := []models.ContactAttempt{attempt("082211112222", "2024-03-19", false)}

	effective, suppressed := p.Filter([]string{"081234567890", "082211112222", "0812-3456-7890"}, attempts, day)
	assert.Equal(t, []string{"6281234567890"}, effective)
	assert.Equal(t, []string{"6282211112222"}, suppressed)
}
