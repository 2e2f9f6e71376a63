// Package testutil provides builders for images, candidates and
// configurations used across the test suites.
//
// The builders default to one consistent fleet ("steamos" on amd64,
// release "holo", variant "steamdeck", branch "stable") so a test only
// spells out the fields it actually cares about.
package testutil

import (
	"github.com/atomupd/atomupd/internal/config"
	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/manifest"
	"github.com/atomupd/atomupd/internal/update"
)

// ImageOpt mutates an image under construction.
type ImageOpt func(*image.Image)

// Img builds a test image: a stable steamdeck image with the given version
// and build id, adjusted by the options.
func Img(version, buildID string, opts ...ImageOpt) image.Image {
	bid, err := image.ParseBuildID(buildID)
	if err != nil {
		panic(err)
	}
	img := image.Image{
		Product: "steamos",
		Release: "holo",
		Variant: "steamdeck",
		Branch:  "stable",
		Arch:    "amd64",
		Version: image.MustParseVersion(version),
		BuildID: bid,
	}
	for _, opt := range opts {
		opt(&img)
	}
	return img
}

// OnBranch sets the branch.
func OnBranch(branch string) ImageOpt {
	return func(i *image.Image) { i.Branch = branch }
}

// OnVariant sets the variant.
func OnVariant(variant string) ImageOpt {
	return func(i *image.Image) { i.Variant = variant }
}

// OnRelease sets the release.
func OnRelease(release string) ImageOpt {
	return func(i *image.Image) { i.Release = release }
}

// Checkpoint marks the image as introducing a checkpoint.
func Checkpoint(requires, introduces int) ImageOpt {
	return func(i *image.Image) {
		i.RequiresCheckpoint = requires
		i.IntroducesCheckpoint = introduces
	}
}

// Requires sets only the required checkpoint gate.
func Requires(checkpoint int) ImageOpt {
	return func(i *image.Image) { i.RequiresCheckpoint = checkpoint }
}

// Shadow marks the image as a shadow checkpoint.
func Shadow() ImageOpt {
	return func(i *image.Image) { i.ShadowCheckpoint = true }
}

// Skipped marks the image for removal.
func Skipped() ImageOpt {
	return func(i *image.Image) { i.Skip = true }
}

// Cand wraps an image into a candidate with a locator derived from its
// build id, mirroring how the manifest store lays bundles out.
func Cand(img image.Image) update.Candidate {
	locator := ""
	if !img.Skip && !img.ShadowCheckpoint {
		locator = img.Variant + "/" + img.BuildID.String() + ".raucb"
	}
	return update.Candidate{Image: img, UpdatePath: locator}
}

// Entry wraps an image into a manifest entry, deriving the bundle and
// index locators the same way Cand does.
func Entry(img image.Image) manifest.Entry {
	c := Cand(img)
	entry := manifest.Entry{Image: img, UpdatePath: c.UpdatePath}
	if c.UpdatePath != "" {
		entry.IndexPath = img.Variant + "/" + img.BuildID.String() + ".caibx"
	}
	return entry
}

// Entries builds manifest entries for a whole set of images.
func Entries(images ...image.Image) []manifest.Entry {
	entries := make([]manifest.Entry, len(images))
	for n, img := range images {
		entries[n] = Entry(img)
	}
	return entries
}

// Config builds a configuration matching the Img defaults, with a beta
// branch falling back to stable and the "vanilla" variant end-of-life.
func Config() *config.Config {
	cfg := &config.Config{
		Images: config.ImagesConfig{
			PoolDir:  "/var/lib/atomupd/images",
			Products: []string{"steamos"},
			Releases: []string{"holo"},
			Variants: []string{"steamdeck", "vanilla"},
			Branches: []string{"stable", "rc", "beta"},
			Archs:    []string{"amd64"},
			Unstable: true,
		},
		Stability: map[string][]string{
			"beta": {"rc", "stable"},
			"rc":   {"stable"},
		},
		VariantsEOL: map[string]string{
			"vanilla": "steamdeck",
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}
