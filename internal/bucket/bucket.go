// Package bucket turns bucket names into structured descriptors.
//
// Names are lowercase tokens joined by "-" or "_", family first:
//
//	b1            regular B1
//	b5-recovery   recovery track of B5
//	b3-bttc-a     wave "a" of the "bttc" experiment on B3
//	current-bucket
//
// Everything else in the codebase consumes Descriptor instead of re-parsing names.
package bucket

import (
	"fmt"
	"math"
	"strings"

	"colldialer/internal/errs"
)

// Family is the days-past-due segment of a bucket.
type Family string

const (
	FamilyCurrent Family = "current"
	FamilyB1      Family = "b1"
	FamilyB2      Family = "b2"
	FamilyB3      Family = "b3"
	FamilyB4      Family = "b4"
	FamilyB5      Family = "b5"
	FamilyB6      Family = "b6"
)

// Range is an inclusive DPD interval.
type Range struct {
	Min int
	Max int
}

// Contains reports whether dpd falls in the range.
func (r Range) Contains(dpd int) bool {
	return dpd >= r.Min && dpd <= r.Max
}

var defaultRanges = map[Family]Range{
	FamilyCurrent: {Min: -7, Max: 0},
	FamilyB1:      {Min: 1, Max: 10},
	FamilyB2:      {Min: 11, Max: 40},
	FamilyB3:      {Min: 41, Max: 70},
	FamilyB4:      {Min: 71, Max: 90},
	FamilyB5:      {Min: 91, Max: 180},
	FamilyB6:      {Min: 181, Max: math.MaxInt32},
}

// Descriptor is the parsed form of a bucket name.
type Descriptor struct {
	Name         string
	Family       Family
	DPD          Range
	Wave         rune
	Experiment   string
	Recovery     bool
	NonContacted bool
	Track        string
}

// Parse builds a Descriptor. Unknown families are structural errors.
func Parse(name string) (Descriptor, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	tokens := strings.FieldsFunc(normalized, func(r rune) bool { return r == '-' || r == '_' })
	if len(tokens) == 0 {
		return Descriptor{}, errs.Structuralf("empty bucket name")
	}

	family, ok := parseFamily(tokens[0])
	if !ok {
		return Descriptor{}, errs.Structuralf("unknown bucket family %q in %q", tokens[0], name)
	}

	d := Descriptor{
		Name:   strings.Join(tokens, "-"),
		Family: family,
		DPD:    defaultRanges[family],
	}

	var experiment []string
	for _, tok := range tokens[1:] {
		switch {
		case tok == "bucket":
		case tok == "recovery":
			d.Recovery = true
		case tok == "nc":
			d.NonContacted = true
		case tok == "vendor" || tok == "inhouse":
			d.Track = tok
		case len(tok) == 1 && tok[0] >= 'a' && tok[0] <= 'z':
			if d.Wave != 0 {
				return Descriptor{}, errs.Structuralf("bucket %q has more than one wave", name)
			}
			d.Wave = rune(tok[0])
		default:
			experiment = append(experiment, tok)
		}
	}
	d.Experiment = strings.Join(experiment, "-")

	return d, nil
}

func parseFamily(tok string) (Family, bool) {
	switch tok {
	case "current", "t0":
		return FamilyCurrent, true
	case "b1", "b2", "b3", "b4", "b5", "b6":
		return Family(tok), true
	}
	return "", false
}

// WithRange overrides the DPD range, keeping unset bounds.
func (d Descriptor) WithRange(lo, hi *int) Descriptor {
	if lo != nil {
		d.DPD.Min = *lo
	}
	if hi != nil {
		d.DPD.Max = *hi
	}
	return d
}

// IsRecoveryRanking reports whether the bucket uses the recovery priority sort.
func (d Descriptor) IsRecoveryRanking() bool {
	return d.Family == FamilyB6 || d.Recovery
}

// HasWave reports whether the bucket is one wave of a multi-wave experiment.
func (d Descriptor) HasWave() bool {
	return d.Wave != 0
}

// NextWave returns the name of the following wave, e.g. "b3-bttc-a" -> "b3-bttc-b".
func (d Descriptor) NextWave() (string, bool) {
	if !d.HasWave() || d.Wave == 'z' {
		return "", false
	}
	return d.withWave(d.Wave + 1), true
}

// Campaign is the bucket name without its wave letter.
func (d Descriptor) Campaign() string {
	if !d.HasWave() {
		return d.Name
	}
	return d.withWave(0)
}

func (d Descriptor) withWave(w rune) string {
	parts := []string{string(d.Family)}
	if d.Recovery {
		parts = append(parts, "recovery")
	}
	if d.NonContacted {
		parts = append(parts, "nc")
	}
	if d.Track != "" {
		parts = append(parts, d.Track)
	}
	if d.Experiment != "" {
		parts = append(parts, d.Experiment)
	}
	if w != 0 {
		parts = append(parts, string(w))
	}
	return strings.Join(parts, "-")
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s dpd %d..%d]", d.Name, d.Family, d.DPD.Min, d.DPD.Max)
}
