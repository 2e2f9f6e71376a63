// Package update defines the aggregates the resolution engine produces: a
// Candidate couples an image with its installable locator, a Path is the
// ordered chain of candidates toward one target, and Update is the legacy
// wire wrapper around a Path.
package update

import (
	"encoding/json"
	"sort"

	"github.com/atomupd/atomupd/internal/image"
)

// Candidate is an image plus the relative locator of its installable
// bundle.
//
// An empty locator denotes an image that exists in the pool but must never
// be installed; skip-marked images without published artifacts are recorded
// this way so devices still running them can be recognized.
type Candidate struct {
	Image image.Image `json:"image"`

	// UpdatePath is the bundle locator relative to the image tree root.
	UpdatePath string `json:"update_path"`
}

// Path is the full chain of updates a device should apply, in ascending
// image order: every mandatory checkpoint hop first, the final target last.
type Path struct {
	Release string `json:"release"`

	// ReplacementEOLVariant is set when the device's variant is end-of-life
	// and the chain redirects to its replacement.
	ReplacementEOLVariant string `json:"replacement_eol_variant,omitempty"`

	Candidates []Candidate `json:"candidates"`
}

// NewPath builds a Path, sorting the candidates in ascending image order.
// An empty candidate list is a valid "no path" value; callers distinguish
// it from an absent Path by the nil pointer.
func NewPath(release, replacementEOLVariant string, candidates []Candidate) *Path {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Image.Less(sorted[b].Image)
	})

	return &Path{
		Release:               release,
		ReplacementEOLVariant: replacementEOLVariant,
		Candidates:            sorted,
	}
}

// Update is the wire wrapper around a Path. The "minor" key is kept for
// backward compatibility with the retired two-tier minor/major release
// design; checkpoint gating replaced the "major" tier.
type Update struct {
	Minor *Path `json:"minor,omitempty"`
}

// MarshalIndent serializes the update for replies and static files. A nil
// or empty update serializes to "{}", which clients read as "no update
// available" as opposed to the key being absent.
func (u *Update) MarshalIndent() ([]byte, error) {
	if u == nil {
		return []byte("{}"), nil
	}
	return json.MarshalIndent(u, "", "  ")
}

// Type selects the resolution engine's behavior for one query.
type Type int

const (
	// TypeStandard answers a live device query: only strictly newer images
	// are offered, and a chain that loops back onto the source is rejected.
	TypeStandard Type = iota

	// TypeForced ignores the "strictly newer" rule to pull devices off
	// end-of-life variants, removed images and ambiguous branches.
	TypeForced

	// TypeUnexpectedBuildID computes the generic fallback answer for
	// devices whose build identifier is unknown to the pool.
	TypeUnexpectedBuildID

	// TypeSecondLast targets the next-to-newest image, used to stage
	// rollouts without moving every device to the newest build at once.
	TypeSecondLast
)

// IsFallback reports whether the type computes a generic pre-published
// answer rather than responding to a device's real identity.
func (t Type) IsFallback() bool {
	return t == TypeUnexpectedBuildID || t == TypeSecondLast
}

func (t Type) String() string {
	switch t {
	case TypeStandard:
		return "standard"
	case TypeForced:
		return "forced"
	case TypeUnexpectedBuildID:
		return "unexpected_buildid"
	case TypeSecondLast:
		return "second_last"
	}
	return "unknown"
}
