package image

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// buildIDDateLayout is the ISO-8601 basic format used by build identifiers.
const buildIDDateLayout = "20060102"

// BuildID identifies one build within a version: a date plus an increment
// for builds published on the same day.
//
// The textual form is YYYYMMDD[.N]; the increment defaults to zero when
// absent. BuildIDs order by (date, increment) and the ordering is total.
type BuildID struct {
	Date time.Time
	Incr int
}

// ParseBuildID parses a build identifier from its YYYYMMDD[.N] form.
func ParseBuildID(text string) (BuildID, error) {
	fields := strings.Split(text, ".")
	if len(fields) > 2 {
		return BuildID{}, fmt.Errorf("build id %q should match YYYYMMDD[.N]", text)
	}

	incr := 0
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return BuildID{}, fmt.Errorf("build id %q has a malformed increment: %w", text, err)
		}
		if n < 0 {
			return BuildID{}, fmt.Errorf("build id %q has a negative increment", text)
		}
		incr = n
	}

	date, err := time.ParseInLocation(buildIDDateLayout, fields[0], time.UTC)
	if err != nil {
		return BuildID{}, fmt.Errorf("build id %q has a malformed date: %w", text, err)
	}

	return BuildID{Date: date, Incr: incr}, nil
}

// Compare returns -1, 0 or +1 ordering by (date, increment).
func (b BuildID) Compare(other BuildID) int {
	switch {
	case b.Date.Before(other.Date):
		return -1
	case b.Date.After(other.Date):
		return 1
	case b.Incr < other.Incr:
		return -1
	case b.Incr > other.Incr:
		return 1
	}
	return 0
}

// String renders the canonical YYYYMMDD.N form. The increment is always
// printed, even when zero, so the form round-trips unambiguously.
func (b BuildID) String() string {
	return fmt.Sprintf("%s.%d", b.Date.Format(buildIDDateLayout), b.Incr)
}

// MarshalText implements encoding.TextMarshaler.
func (b BuildID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BuildID) UnmarshalText(text []byte) error {
	parsed, err := ParseBuildID(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
