package image

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"runtime"
)

// DefaultOSReleasePath is where the running system describes itself.
const DefaultOSReleasePath = "/etc/os-release"

var osReleaseLine = regexp.MustCompile(`^([^\s=]+)=[\s"']*(.+?)[\s"']*$`)

// loadOSRelease parses an os-release file into a key/value map, stripping
// surrounding quotes.
func loadOSRelease(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := osReleaseLine.FindStringSubmatch(scanner.Text()); m != nil {
			data[m[1]] = m[2]
		}
	}
	return data, scanner.Err()
}

// OSOverrides carries optional values that take precedence over what the
// os-release file provides when building an Image for the running system.
type OSOverrides struct {
	Product              string
	Release              string
	Variant              string
	Branch               string
	Arch                 string
	Version              string
	BuildID              string
	IntroducesCheckpoint int
	RequiresCheckpoint   int
}

// FromOS builds an Image describing the running system from an os-release
// file, with explicit overrides for callers that know better.
//
// The mandatory identity fields map to the os-release keys ID,
// VERSION_CODENAME, VARIANT_ID, VERSION_ID and BUILD_ID; a field that is
// neither overridden nor present in the file is an error. os-release has no
// standard notion of a release channel, so the branch defaults to "stable"
// unless overridden. Checkpoint numbers likewise have no standard place and
// default to zero.
func FromOS(osReleasePath string, ov OSOverrides) (Image, error) {
	if osReleasePath == "" {
		osReleasePath = DefaultOSReleasePath
	}
	osrel, err := loadOSRelease(osReleasePath)
	if err != nil {
		return Image{}, fmt.Errorf("reading %s: %w", osReleasePath, err)
	}

	pick := func(override, key string) (string, error) {
		if override != "" {
			return override, nil
		}
		if v, ok := osrel[key]; ok {
			return v, nil
		}
		return "", fmt.Errorf("missing key %s in %s", key, osReleasePath)
	}

	img := Image{
		Branch:               ov.Branch,
		Arch:                 ov.Arch,
		IntroducesCheckpoint: ov.IntroducesCheckpoint,
		RequiresCheckpoint:   ov.RequiresCheckpoint,
	}
	if img.Branch == "" {
		img.Branch = "stable"
	}
	if img.Arch == "" {
		img.Arch = runtime.GOARCH
	}
	img.Arch = normalizeArch(img.Arch)

	if img.Product, err = pick(ov.Product, "ID"); err != nil {
		return Image{}, err
	}
	if img.Release, err = pick(ov.Release, "VERSION_CODENAME"); err != nil {
		return Image{}, err
	}
	if img.Variant, err = pick(ov.Variant, "VARIANT_ID"); err != nil {
		return Image{}, err
	}

	versionStr, err := pick(ov.Version, "VERSION_ID")
	if err != nil {
		return Image{}, err
	}
	if img.Version, err = ParseVersion(versionStr); err != nil {
		return Image{}, err
	}

	buildIDStr, err := pick(ov.BuildID, "BUILD_ID")
	if err != nil {
		return Image{}, err
	}
	if img.BuildID, err = ParseBuildID(buildIDStr); err != nil {
		return Image{}, err
	}

	return img, img.Validate()
}
