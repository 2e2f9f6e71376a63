package image

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Image describes one published OS image: its identity within the
// (product, arch, release, variant, branch) namespace, its version and
// build identifier, and its checkpoint bookkeeping.
//
// An Image is constructed once, when a manifest or a client request is
// parsed, and never mutated afterwards. The resolution engine works on
// copies when it needs to rewrite a field (end-of-life variant
// substitution), so a pool's own records are never touched.
type Image struct {
	Product string
	Release string
	Variant string
	Branch  string
	Arch    string
	Version Version
	BuildID BuildID

	// IntroducesCheckpoint marks this image as checkpoint N (> 0): devices
	// must pass through it before any image requiring N can be offered.
	IntroducesCheckpoint int

	// RequiresCheckpoint is the checkpoint gate a device must have passed
	// before this image may be offered.
	RequiresCheckpoint int

	// ShadowCheckpoint images mark a checkpoint as conceptually passed but
	// are never offered for installation.
	ShadowCheckpoint bool

	// Skip marks an image scheduled for removal: it stays in the pool so
	// devices still on it can be moved off, but is never offered.
	Skip bool

	// EstimatedSize is the estimated download size in bytes, zero when
	// unknown.
	EstimatedSize int64
}

// imageWire is the JSON shape shared by manifests, client requests and
// update replies. Version and BuildID carry their own text codecs.
type imageWire struct {
	Product              string  `json:"product"`
	Release              string  `json:"release"`
	Variant              string  `json:"variant"`
	Branch               string  `json:"branch,omitempty"`
	Arch                 string  `json:"arch"`
	Version              Version `json:"version"`
	BuildID              BuildID `json:"buildid"`
	IntroducesCheckpoint int     `json:"introduces_checkpoint,omitempty"`
	RequiresCheckpoint   int     `json:"requires_checkpoint,omitempty"`
	ShadowCheckpoint     bool    `json:"shadow_checkpoint,omitempty"`
	Skip                 bool    `json:"skip,omitempty"`
	EstimatedSize        int64   `json:"estimated_size,omitempty"`
}

// normalizeArch maps the kernel's architecture naming onto the image tree
// naming. Images are published under "amd64" while os-release and uname
// report "x86_64".
func normalizeArch(arch string) string {
	if arch == "x86_64" {
		return "amd64"
	}
	return arch
}

// UnmarshalJSON parses a manifest or request object, normalizing the
// architecture. Field invariants are checked separately by Validate so
// callers can distinguish malformed JSON from inconsistent metadata.
func (i *Image) UnmarshalJSON(data []byte) error {
	var w imageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*i = Image{
		Product:              w.Product,
		Release:              w.Release,
		Variant:              w.Variant,
		Branch:               w.Branch,
		Arch:                 normalizeArch(w.Arch),
		Version:              w.Version,
		BuildID:              w.BuildID,
		IntroducesCheckpoint: w.IntroducesCheckpoint,
		RequiresCheckpoint:   w.RequiresCheckpoint,
		ShadowCheckpoint:     w.ShadowCheckpoint,
		Skip:                 w.Skip,
		EstimatedSize:        w.EstimatedSize,
	}
	return nil
}

// MarshalJSON exports the image for update replies and manifests. The skip
// flag is a pool-internal decision and is never exported.
func (i Image) MarshalJSON() ([]byte, error) {
	return json.Marshal(imageWire{
		Product:              i.Product,
		Release:              i.Release,
		Variant:              i.Variant,
		Branch:               i.Branch,
		Arch:                 i.Arch,
		Version:              i.Version,
		BuildID:              i.BuildID,
		IntroducesCheckpoint: i.IntroducesCheckpoint,
		RequiresCheckpoint:   i.RequiresCheckpoint,
		ShadowCheckpoint:     i.ShadowCheckpoint,
		EstimatedSize:        i.EstimatedSize,
	})
}

// FromQuery builds an Image from HTTP query parameters, using the same
// field names as the manifest JSON. Numeric and boolean fields accept their
// usual string forms; absent optional fields default to zero values.
func FromQuery(values url.Values) (Image, error) {
	var (
		img Image
		err error
	)

	for _, field := range []struct {
		name     string
		required bool
		dst      *string
	}{
		{"product", true, &img.Product},
		{"release", true, &img.Release},
		{"variant", true, &img.Variant},
		{"branch", false, &img.Branch},
		{"arch", true, &img.Arch},
	} {
		v := values.Get(field.name)
		if v == "" && field.required {
			return Image{}, fmt.Errorf("missing required field %q", field.name)
		}
		*field.dst = v
	}
	img.Arch = normalizeArch(img.Arch)

	if img.Version, err = ParseVersion(values.Get("version")); err != nil {
		return Image{}, err
	}
	if img.BuildID, err = ParseBuildID(values.Get("buildid")); err != nil {
		return Image{}, err
	}

	for _, field := range []struct {
		name string
		dst  *int
	}{
		{"introduces_checkpoint", &img.IntroducesCheckpoint},
		{"requires_checkpoint", &img.RequiresCheckpoint},
	} {
		v := values.Get(field.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Image{}, fmt.Errorf("field %q: %w", field.name, err)
		}
		*field.dst = n
	}

	if v := values.Get("estimated_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Image{}, fmt.Errorf("field %q: %w", "estimated_size", err)
		}
		img.EstimatedSize = n
	}

	return img, img.Validate()
}

// Validate checks the per-image invariants:
//
//   - checkpoint numbers are non-negative;
//   - an image that both requires and introduces a checkpoint must require
//     a strictly older one than it introduces;
//   - a shadow checkpoint must actually introduce a checkpoint and cannot
//     also be marked skip.
func (i Image) Validate() error {
	if i.IntroducesCheckpoint < 0 || i.RequiresCheckpoint < 0 {
		return fmt.Errorf("image %s: checkpoint numbers must be non-negative", i)
	}
	if i.IntroducesCheckpoint > 0 && i.RequiresCheckpoint > 0 &&
		i.RequiresCheckpoint >= i.IntroducesCheckpoint {
		return fmt.Errorf("image %s: requires_checkpoint %d must be below introduces_checkpoint %d",
			i, i.RequiresCheckpoint, i.IntroducesCheckpoint)
	}
	if i.ShadowCheckpoint {
		if i.IntroducesCheckpoint < 1 {
			return fmt.Errorf("image %s: a shadow checkpoint must introduce a checkpoint", i)
		}
		if i.Skip {
			return fmt.Errorf("image %s: a shadow checkpoint cannot be marked skip", i)
		}
	}
	return nil
}

// IsCheckpoint reports whether this image introduces a checkpoint.
func (i Image) IsCheckpoint() bool {
	return i.IntroducesCheckpoint > 0
}

// Checkpoint returns the checkpoint gate this image itself satisfies: the
// highest of what it requires and what it introduces.
func (i Image) Checkpoint() int {
	if i.IntroducesCheckpoint > i.RequiresCheckpoint {
		return i.IntroducesCheckpoint
	}
	return i.RequiresCheckpoint
}

// Compare is the total image ordering used throughout the resolution
// engine.
//
// When both images carry a semantic version, the order is
// (version, release, buildid). As soon as either side is a snapshot the
// version is ignored and the order falls back to (release, buildid):
// releases are guaranteed by configuration to sort alphabetically in
// chronological order, and build dates break ties within a release. The
// fallback lets old snapshot images update to newer versioned ones, and it
// keeps the ordering total: Compare never fails, for any pair.
func (i Image) Compare(other Image) int {
	if !i.Version.IsSnapshot() && !other.Version.IsSnapshot() {
		if c := i.Version.Compare(other.Version); c != 0 {
			return c
		}
	}
	if c := strings.Compare(i.Release, other.Release); c != 0 {
		return c
	}
	return i.BuildID.Compare(other.BuildID)
}

// Equal reports ordering equality: same (version, release, buildid) tuple,
// with the same snapshot fallback as Compare.
func (i Image) Equal(other Image) bool {
	return i.Compare(other) == 0
}

// Less reports whether i orders strictly before other.
func (i Image) Less(other Image) bool {
	return i.Compare(other) < 0
}

// UniqueName generates the (version, release, buildid) key used for
// duplicate detection across the whole pool.
func (i Image) UniqueName() string {
	return fmt.Sprintf("%s_%s_%s", i.Version, i.Release, i.BuildID)
}

// Quote makes a string safe for use as a path segment in the update file
// tree: NFC-normalized (publishing hosts disagree about Unicode normal
// forms), a leading '.' replaced with '_' so no segment is hidden, '/'
// replaced with '_', then RFC 3986 percent-escaped.
func Quote(s string) string {
	s = norm.NFC.String(s)
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	return url.PathEscape(strings.ReplaceAll(s, "/", "_"))
}

// UpdateFilePath gives the location of this image's pre-computed update
// file for a requested branch:
//
//	<product>/<arch>/<version>/<variant>/<branch>/<buildid>.json
func (i Image) UpdateFilePath(branch string) string {
	bits := []string{i.Product, i.Arch, i.Version.String(), i.Variant, branch, i.BuildID.String()}
	quoted := make([]string, len(bits))
	for n, b := range bits {
		quoted[n] = Quote(b)
	}
	return strings.Join(quoted, "/") + ".json"
}

// String renders a compact identity for logs.
func (i Image) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s %s (%s)",
		i.Product, i.Arch, i.Release, i.Variant, i.Branch, i.Version, i.BuildID)
}
