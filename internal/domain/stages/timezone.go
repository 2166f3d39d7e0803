package stages

import (
	"strings"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
)

// Layouts carrying an explicit offset; the instant is absolute.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
}

// Naive layouts; read as store-local wall time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	model.DateLayout,
}

// ParseTimestamp resolves a platform timestamp to an instant. Naive
// timestamps are interpreted in loc using the zone's rules for that wall time.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Timezone annotates every record with its UTC instant and store-local
// series date, and drops records whose day falls outside the run range.
type Timezone struct{}

// Name implements Stage.
func (Timezone) Name() string { return NameTimezone }

// Apply implements Stage.
func (Timezone) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameTimezone, in)
	if p.Location == nil {
		return Batch{}, rep, ErrNoLocation
	}
	if len(in.Buckets) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}

	out := Batch{Records: make([]Record, 0, len(in.Records)), Mappings: in.Mappings}
	for _, r := range in.Records {
		instant, ok := ParseTimestamp(r.Timestamp, p.Location)
		if !ok {
			rep.rowError(ReasonUnparseableTimestamp, r.Ref, "cannot parse "+quote(r.Timestamp))
			continue
		}
		r.Instant = instant
		r.SeriesDate = model.DateOf(instant.In(p.Location))
		if !p.Range.Contains(r.SeriesDate) {
			rep.Filtered[FilterOutOfRange]++
			continue
		}
		out.Records = append(out.Records, r)
	}
	rep.RowsOut = out.Len()
	return out, rep, nil
}

func quote(s string) string { return `"` + s + `"` }
