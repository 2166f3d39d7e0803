// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage form of a calendar day.
const DateLayout = "2006-01-02"

// Date is a calendar day with no zone attached.
// The zero Date is unset.
type Date struct {
	t time.Time // midnight UTC
}

// NewDate returns the calendar day y-m-d. Out of range values normalize the
// way time.Date does.
func NewDate(y int, m time.Month, d int) Date {
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for literals; it panics on malformed input.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// IsZero reports whether d is unset.
func (d Date) IsZero() bool { return d.t.IsZero() }

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d.t.After(o.t) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int { return d.t.Compare(o.t) }

// DaysUntil returns the number of days from d to o (negative when o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time { return d.t }

// In returns the instant local midnight of d begins in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.t.Year(), d.t.Month(), d.t.Day(), 0, 0, 0, 0, loc)
}

// DateRange is an inclusive [From, To] span of calendar days.
type DateRange struct {
	From Date
	To   Date
}

// NewDateRange builds a validated range.
func NewDateRange(from, to Date) (DateRange, error) {
	r := DateRange{From: from, To: to}
	return r, r.Validate()
}

// Validate checks both ends are set and ordered.
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: both ends required", ErrInvalidRange)
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("%w: %s after %s", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

// Contains reports whether d lies within the range, ends included.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

// Overlaps reports whether the two ranges share at least one day.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.To.Before(o.From) && !o.To.Before(r.From)
}

// Days returns the number of days in the range.
func (r DateRange) Days() int {
	return r.From.DaysUntil(r.To) + 1
}

// Each returns every day in the range in ascending order.
func (r DateRange) Each() []Date {
	n := r.Days()
	if n <= 0 {
		return nil
	}
	out := make([]Date, 0, n)
	for d := r.From; !d.After(r.To); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) String() string {
	return r.From.String() + ".." + r.To.String()
}

// MarshalText renders d as YYYY-MM-DD; the zero Date renders empty.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses YYYY-MM-DD. Empty input leaves d unset.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
