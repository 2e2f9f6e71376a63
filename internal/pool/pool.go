// Package pool owns the in-memory model of every published image and the
// update-resolution engine that answers "what should this device become?".
//
// A Pool is built once from the manifest store, validated for global
// invariants, and then queried many times. It is immutable after
// construction: concurrent readers need no locking, and a reload builds a
// whole new Pool before publishing it through a Handle, so an in-flight
// query sees either the old pool completely or the new one completely.
package pool

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/atomupd/atomupd/internal/config"
	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/manifest"
	"github.com/atomupd/atomupd/internal/update"
)

// Pool indexes all known update candidates by their
// (product, arch, release, variant, branch) namespace.
type Pool struct {
	cfg    *config.Config
	logger *zap.Logger

	// candidates holds the per-namespace candidate lists, each sorted in
	// ascending image order. Skip and shadow images are included (with an
	// empty locator when they publish no bundle) so the engine can
	// recognize devices running them.
	candidates map[string][]update.Candidate

	// images is the flat list of every candidate admitted into the pool,
	// in discovery order, used for reporting and static-file generation.
	images []update.Candidate
}

// key builds a namespace lookup key. Fields are NFC-normalized so
// manifests published from hosts with different Unicode normal forms still
// land in the same namespace.
func key(product, arch, release, variant, branch string) string {
	return norm.NFC.String(strings.Join(
		[]string{product, arch, release, variant, branch}, "\x00"))
}

// New builds and validates a pool from the entries of a manifest walk.
//
// Construction is all-or-nothing: any integrity violation rejects the
// whole pool. Images outside the configured support matrix, and unstable
// images when unstable images are not requested, are discarded with a log
// line but do not fail the build.
func New(cfg *config.Config, entries []manifest.Entry, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		candidates: make(map[string][]update.Candidate),
	}

	// Two images with the same (version, release, buildid) tuple always
	// indicate a publishing mistake, even across variants.
	seen := make(map[string]image.Image)

	for _, entry := range entries {
		img := entry.Image

		if err := img.Validate(); err != nil {
			return nil, &IntegrityError{
				Code:    ErrCodeInvalidImage,
				Message: err.Error(),
			}
		}

		if prev, dup := seen[img.UniqueName()]; dup {
			return nil, &IntegrityError{
				Code: ErrCodeDuplicateImage,
				Message: fmt.Sprintf("image %s duplicates %s: same version, release and build id",
					img, prev),
			}
		}
		seen[img.UniqueName()] = img

		if !p.supported(img) {
			logger.Info("discarding unsupported image", zap.Stringer("image", img))
			continue
		}
		if !cfg.Images.Unstable && !img.Version.IsStable() {
			logger.Info("discarding unstable image", zap.Stringer("image", img))
			continue
		}

		candidate := update.Candidate{Image: img, UpdatePath: entry.UpdatePath}
		k := key(img.Product, img.Arch, img.Release, img.Variant, img.Branch)
		p.candidates[k] = append(p.candidates[k], candidate)
		p.images = append(p.images, candidate)
	}

	for k := range p.candidates {
		list := p.candidates[k]
		sort.SliceStable(list, func(a, b int) bool {
			return list[a].Image.Less(list[b].Image)
		})
	}

	if err := p.validateCheckpoints(); err != nil {
		return nil, err
	}

	return p, nil
}

// supported checks the image against the configured support matrix.
func (p *Pool) supported(img image.Image) bool {
	in := func(v string, list []string) bool {
		for _, x := range list {
			if x == v {
				return true
			}
		}
		return false
	}
	return in(img.Product, p.cfg.Images.Products) &&
		in(img.Arch, p.cfg.Images.Archs) &&
		in(img.Release, p.cfg.Images.Releases) &&
		in(img.Variant, p.cfg.Images.Variants) &&
		in(img.Branch, p.cfg.Images.Branches)
}

// validateCheckpoints checks the checkpoint bookkeeping of every
// (variant, branch) namespace:
//
//   - at most one canonical (non-skip, non-shadow) image may introduce a
//     given checkpoint number;
//   - at most one shadow image may introduce a given checkpoint number;
//   - a skip-marked checkpoint whose number no canonical image also
//     introduces leaves the namespace without that gate: the pool is
//     served anyway but the hole is logged, since a replacement
//     checkpoint is expected.
func (p *Pool) validateCheckpoints() error {
	type nsKey struct {
		variant, branch string
		number          int
	}
	canonical := make(map[nsKey]image.Image)
	shadow := make(map[nsKey]image.Image)
	var skipped []image.Image

	for _, c := range p.images {
		img := c.Image
		if !img.IsCheckpoint() {
			continue
		}
		k := nsKey{img.Variant, img.Branch, img.IntroducesCheckpoint}
		switch {
		case img.Skip:
			skipped = append(skipped, img)
		case img.ShadowCheckpoint:
			if prev, dup := shadow[k]; dup {
				return &IntegrityError{
					Code: ErrCodeShadowConflict,
					Message: fmt.Sprintf("shadow checkpoint %d introduced by both %s and %s",
						k.number, prev, img),
					Namespace: img.Variant + "/" + img.Branch,
				}
			}
			shadow[k] = img
		default:
			if prev, dup := canonical[k]; dup {
				return &IntegrityError{
					Code: ErrCodeCheckpointConflict,
					Message: fmt.Sprintf("checkpoint %d introduced by both %s and %s",
						k.number, prev, img),
					Namespace: img.Variant + "/" + img.Branch,
				}
			}
			canonical[k] = img
		}
	}

	for _, img := range skipped {
		k := nsKey{img.Variant, img.Branch, img.IntroducesCheckpoint}
		if _, ok := canonical[k]; !ok {
			p.logger.Warn("skipped checkpoint has no canonical replacement; namespace is missing a gate",
				zap.Stringer("image", img),
				zap.Int("checkpoint", img.IntroducesCheckpoint))
		}
	}

	return nil
}

// Candidates returns the candidate list of one namespace, ascending. The
// returned slice is shared and must not be mutated.
func (p *Pool) Candidates(product, arch, release, variant, branch string) []update.Candidate {
	return p.candidates[key(product, arch, release, variant, branch)]
}

// Images returns every candidate admitted into the pool, including skipped
// and shadow ones, for reporting and static-file generation.
func (p *Pool) Images() []update.Candidate {
	return p.images
}

// Len returns the number of admitted images.
func (p *Pool) Len() int {
	return len(p.images)
}

// NamespaceSizes reports candidate counts per namespace for diagnostics,
// keyed by a readable product/arch/release/variant/branch path.
func (p *Pool) NamespaceSizes() map[string]int {
	sizes := make(map[string]int, len(p.candidates))
	for k, list := range p.candidates {
		sizes[strings.ReplaceAll(k, "\x00", "/")] = len(list)
	}
	return sizes
}

// BundleLocator returns the installable bundle locator of the pool's
// record for this exact image, or "" when the image is unknown or
// publishes no bundle. Used to find the seed index for size estimation.
func (p *Pool) BundleLocator(img image.Image) string {
	for _, c := range p.Candidates(img.Product, img.Arch, img.Release, img.Variant, img.Branch) {
		if c.Image.Equal(img) {
			return c.UpdatePath
		}
	}
	return ""
}

// isMarkedForRemoval reports whether the pool's record for this exact
// image carries the skip flag. The device itself does not know it runs a
// removed image; the pool does.
func (p *Pool) isMarkedForRemoval(img image.Image) bool {
	for _, c := range p.Candidates(img.Product, img.Arch, img.Release, img.Variant, img.Branch) {
		if c.Image.Equal(img) {
			return c.Image.Skip
		}
	}
	return false
}
