// Package generate writes the static update-file tree: one pre-computed
// answer per image and branch, plus the fallback answers for devices the
// pool has never heard of. The output is meant to be served as-is by any
// dumb file server.
package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/config"
	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/pool"
	"github.com/atomupd/atomupd/internal/update"
)

// ErrLockHeld reports that another generator instance owns the output
// tree. The caller must exit non-zero immediately rather than wait.
var ErrLockHeld = errors.New("another generator instance holds the output lock")

// lockFileName is the advisory lock inside the output tree.
const lockFileName = ".atomupd-generate.lock"

// legacyFallbackBuildID is the ancient build identifier used as the
// synthetic source for fallback files: old enough to order below any real
// image.
const legacyFallbackBuildID = "19000101"

// Generator writes the static tree for one pool snapshot.
type Generator struct {
	cfg       *config.Config
	outputDir string
	estimator pool.Estimator
	logger    *zap.Logger
}

// New creates a Generator. The estimator may be nil to skip download-size
// annotation in the generated files.
func New(cfg *config.Config, outputDir string, estimator pool.Estimator, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, outputDir: outputDir, estimator: estimator, logger: logger}
}

// Run performs one generation pass under the output tree's advisory lock.
// A second instance that cannot acquire the lock fails with ErrLockHeld.
func (g *Generator) Run(ctx context.Context, p *pool.Pool) error {
	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return err
	}

	lock := flock.New(filepath.Join(g.outputDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring output lock: %w", err)
	}
	if !locked {
		return ErrLockHeld
	}
	defer func() { _ = lock.Unlock() }()

	return g.generate(ctx, p)
}

func (g *Generator) generate(ctx context.Context, p *pool.Pool) error {
	written := 0

	// Standard answers: one file per image and requested branch, so a
	// device on any known build finds its pre-computed update at
	// <product>/<arch>/<version>/<variant>/<branch>/<buildid>.json.
	for _, c := range p.Images() {
		img := c.Image
		for _, branch := range g.cfg.Images.Branches {
			path, err := p.GetUpdates(ctx, img, p.InstalledIndex(img),
				branch, update.TypeStandard, g.estimator)
			if err != nil {
				return err
			}
			if err := g.writeUpdate(img.UpdateFilePath(branch), path); err != nil {
				return err
			}
			written++
		}
	}

	// Fallback answers, one pair per (product, arch, version, variant) and
	// branch: <branch>.json for devices with a build identifier the pool
	// does not know, <branch>.second_last.json for staged rollouts. The
	// synthetic source is old enough to sort below everything and has
	// passed no checkpoint, so the answer walks the full chain.
	done := make(map[string]bool)
	for _, c := range p.Images() {
		source := fallbackSource(c.Image)

		for _, branch := range g.cfg.Images.Branches {
			dir := filepath.Dir(c.Image.UpdateFilePath(branch))
			base := filepath.Join(filepath.Dir(dir), image.Quote(branch))
			if done[base] {
				continue
			}
			done[base] = true

			path, err := p.GetUpdates(ctx, source, "", branch, update.TypeUnexpectedBuildID, nil)
			if err != nil {
				// Strict mode: a branch with no images at all is a
				// deployment mistake, not an empty answer.
				return err
			}
			if err := g.writeUpdate(base+".json", path); err != nil {
				return err
			}

			path, err = p.GetUpdates(ctx, source, "", branch, update.TypeSecondLast, nil)
			if err != nil {
				return err
			}
			if err := g.writeUpdate(base+".second_last.json", path); err != nil {
				return err
			}
			written += 2
		}
	}

	g.logger.Info("generated static update tree",
		zap.String("output", g.outputDir),
		zap.Int("files", written))
	return nil
}

// fallbackSource derives the synthetic query image for fallback files: the
// device's build, checkpoint state and removal flags are unknown, so it
// gets the legacy build identifier and a blank checkpoint slate.
func fallbackSource(img image.Image) image.Image {
	buildID, err := image.ParseBuildID(legacyFallbackBuildID)
	if err != nil {
		panic(err) // constant input
	}
	img.BuildID = buildID
	img.IntroducesCheckpoint = 0
	img.RequiresCheckpoint = 0
	img.ShadowCheckpoint = false
	img.Skip = false
	return img
}

// writeUpdate serializes one answer and renames it into place, so a file
// server never observes a half-written file.
func (g *Generator) writeUpdate(relPath string, path *update.Path) error {
	var reply *update.Update
	if path != nil {
		reply = &update.Update{Minor: path}
	}
	body, err := reply.MarshalIndent()
	if err != nil {
		return err
	}

	target := filepath.Join(g.outputDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	g.logger.Debug("wrote update file", zap.String("path", strings.TrimPrefix(target, g.outputDir+"/")))
	return nil
}
