package image

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
)

// SnapshotVersion is the sentinel version string for images that carry no
// semantic version at all.
const SnapshotVersion = "snapshot"

// Version is either a semantic version or the "snapshot" sentinel.
//
// Snapshot images have no version of their own; they are ordered through
// their release and build identifier instead. A Version is immutable and
// the zero value is the snapshot sentinel.
type Version struct {
	sem *semver.Version
}

// ParseVersion parses a version string. The literal "snapshot" yields the
// snapshot sentinel; anything else must parse as a (possibly partial)
// semantic version, e.g. "3.5" or "3.5.7-rc1".
func ParseVersion(text string) (Version, error) {
	if text == SnapshotVersion {
		return Version{}, nil
	}

	sem, err := semver.NewVersion(text)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: %w", text, err)
	}
	return Version{sem: sem}, nil
}

// MustParseVersion is ParseVersion for tests and constants; it panics on
// malformed input.
func MustParseVersion(text string) Version {
	v, err := ParseVersion(text)
	if err != nil {
		panic(err)
	}
	return v
}

// IsSnapshot reports whether this is the snapshot sentinel.
func (v Version) IsSnapshot() bool {
	return v.sem == nil
}

// IsStable reports whether the version is a stable semantic version: not a
// snapshot and with no pre-release tag.
func (v Version) IsStable() bool {
	return v.sem != nil && v.sem.Prerelease() == ""
}

// Compare orders two semantic versions. Both operands must be non-snapshot;
// callers fall back to release+buildid ordering otherwise (see
// Image.Compare). Comparing against a snapshot sorts the snapshot first so
// the result is still deterministic if a caller gets it wrong.
func (v Version) Compare(other Version) int {
	switch {
	case v.sem == nil && other.sem == nil:
		return 0
	case v.sem == nil:
		return -1
	case other.sem == nil:
		return 1
	}
	return v.sem.Compare(other.sem)
}

// String renders the semantic version, or "snapshot" for the sentinel.
func (v Version) String() string {
	if v.sem == nil {
		return SnapshotVersion
	}
	return v.sem.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
