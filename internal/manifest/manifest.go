// Package manifest is the pool's input collaborator: it walks a published
// image tree, parses the image manifests it finds, and resolves each
// image's installable artifacts into relative locators.
//
// The walk is deterministic (sorted traversal) so a pool built from the
// same tree is identical on every host.
package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/image"
)

const (
	// ManifestExt marks image manifests in the tree.
	ManifestExt = ".manifest.json"

	// BundleExt is the installable bundle sibling of a manifest.
	BundleExt = ".raucb"

	// IndexExt is the content-index sibling used for download-size
	// estimation.
	IndexExt = ".caibx"

	// storeExt marks chunk-store directories, pruned from the walk.
	storeExt = ".castr"
)

// Entry is one image found in the tree, with the relative locators of its
// artifacts. UpdatePath and IndexPath are empty for images that are not
// required to publish artifacts (skip and shadow-checkpoint images).
type Entry struct {
	Image image.Image

	// UpdatePath locates the installable bundle relative to the tree root.
	UpdatePath string

	// IndexPath locates the content index relative to the tree root.
	IndexPath string
}

// Store reads image manifests from a directory tree.
type Store struct {
	dir      string
	branches []string
	logger   *zap.Logger
}

// NewStore creates a Store rooted at dir. The known branch list drives the
// legacy variant naming translation; see translateLegacyVariant.
func NewStore(dir string, branches []string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, branches: branches, logger: logger}
}

// Walk scans the tree and returns every image found, in path order.
//
// A manifest that fails to parse is fatal: a malformed manifest anywhere
// means the publishing pipeline misbehaved and the whole pool build must be
// rejected. Missing bundle or index artifacts are likewise fatal, except
// for skip and shadow-checkpoint images, which are bookkeeping records and
// need not be installable.
func (s *Store) Walk() ([]Entry, error) {
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("image tree %q is not a directory", s.dir)
	}

	var entries []Entry

	// filepath.WalkDir visits entries in lexical order, which gives the
	// deterministic traversal the pool needs.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasSuffix(d.Name(), storeExt) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ManifestExt) {
			return nil
		}

		entry, err := s.load(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		s.logger.Debug("found image manifest",
			zap.String("manifest", path),
			zap.Stringer("image", entry.Image))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) load(root, manifestPath string) (Entry, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return Entry{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	var img image.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return Entry{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}
	if err := img.Validate(); err != nil {
		return Entry{}, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}
	img = s.translateLegacyVariant(img)

	entry := Entry{Image: img}

	// Skip and shadow images stay uninstallable: an empty locator marks an
	// image that exists but must never be offered with a bundle.
	if img.Skip || img.ShadowCheckpoint {
		return entry, nil
	}

	base := strings.TrimSuffix(manifestPath, ManifestExt)

	bundle := base + BundleExt
	if info, err := os.Stat(bundle); err != nil || info.IsDir() {
		return Entry{}, fmt.Errorf("manifest %s: missing bundle %s", manifestPath, bundle)
	}
	index := base + IndexExt
	if info, err := os.Stat(index); err != nil || info.IsDir() {
		return Entry{}, fmt.Errorf("manifest %s: missing content index %s", manifestPath, index)
	}

	if entry.UpdatePath, err = filepath.Rel(root, bundle); err != nil {
		return Entry{}, err
	}
	if entry.IndexPath, err = filepath.Rel(root, index); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// translateLegacyVariant maps the pre-branch naming convention onto the
// branch field. Before branches existed the channel was encoded in the
// variant name ("steamdeck-beta"); a manifest without a branch either uses
// that convention, when the suffix names a known branch, or predates
// channels entirely, in which case it belongs to "stable".
func (s *Store) translateLegacyVariant(img image.Image) image.Image {
	if img.Branch != "" {
		return img
	}

	if idx := strings.LastIndex(img.Variant, "-"); idx > 0 {
		suffix := img.Variant[idx+1:]
		for _, b := range s.branches {
			if b == suffix {
				img.Variant = img.Variant[:idx]
				img.Branch = suffix
				s.logger.Debug("translated legacy variant naming",
					zap.String("variant", img.Variant),
					zap.String("branch", img.Branch))
				return img
			}
		}
	}

	img.Branch = "stable"
	return img
}
