package pool

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/manifest"
	"github.com/atomupd/atomupd/internal/update"
)

// Estimator computes the estimated download size between two content
// indexes. Implementations must never fail a query: any problem degrades
// to "size unknown" (zero).
type Estimator interface {
	Estimate(ctx context.Context, seedIndex, targetIndex string) int64
}

// GetUpdates computes the update path for a device image.
//
// installedIndex is the content index locator of the image the device
// currently runs (may be empty; it only feeds size estimation).
// requestedBranch is the release channel the device asks for, which may
// differ from the branch its image was built from. A nil Estimator
// disables size annotation.
//
// The returned path is nil when no update applies; that is an ordinary
// outcome, not an error. The only error condition is the strict-mode
// fallback failure: a TypeUnexpectedBuildID query against a branch with no
// candidates at all, which signals a misconfigured deployment rather than
// an empty answer.
func (p *Pool) GetUpdates(ctx context.Context, img image.Image, installedIndex string,
	requestedBranch string, updateType update.Type, estimator Estimator) (*update.Path, error) {

	replacementEOLVariant := ""
	if replacement := p.cfg.VariantsEOL[img.Variant]; replacement != "" {
		// End-of-life variants always redirect, even when the device is
		// nominally up to date. The substitution happens on a copy; the
		// pool's own records are never touched.
		p.logger.Info("variant is end-of-life, redirecting",
			zap.String("variant", img.Variant),
			zap.String("replacement", replacement))
		img.Variant = replacement
		replacementEOLVariant = replacement
		if updateType != update.TypeSecondLast {
			updateType = update.TypeForced
		}
	}

	allCandidates, sameBranch := p.gatherCandidates(img, requestedBranch)

	winners := getUpdateCandidates(allCandidates, img, updateType)
	if len(winners) == 0 {
		// A stability fallback can poison the chain (e.g. a more stable
		// branch's newest needs a checkpoint this branch lacks); the
		// requested branch alone may still have an answer.
		winners = getUpdateCandidates(sameBranch, img, updateType)
	}

	if len(winners) == 0 {
		switch updateType {
		case update.TypeUnexpectedBuildID:
			if len(allCandidates) == 0 {
				if p.cfg.Images.Strict {
					return nil, &IntegrityError{
						Code:      ErrCodeEmptyBranch,
						Message:   "no candidates at all for fallback file",
						Namespace: img.Variant + "/" + requestedBranch,
					}
				}
				p.logger.Info("branch has no candidates yet, no fallback to publish",
					zap.String("branch", requestedBranch),
					zap.Stringer("image", img))
			}
			return nil, nil
		case update.TypeSecondLast:
			// No penultimate image exists, e.g. the only candidate is
			// itself a checkpoint.
			return nil, nil
		case update.TypeStandard:
			if !p.shouldForce(img, requestedBranch) {
				return nil, nil
			}
			p.logger.Info("no standard update, forcing",
				zap.Stringer("image", img),
				zap.String("requested_branch", requestedBranch))
			winners = getUpdateCandidates(allCandidates, img, update.TypeForced)
			if len(winners) == 0 {
				winners = getUpdateCandidates(sameBranch, img, update.TypeForced)
			}
			if len(winners) == 0 {
				p.logger.Info("forced resolution found nothing",
					zap.Stringer("image", img),
					zap.String("requested_branch", requestedBranch))
				return nil, nil
			}
		default:
			p.logger.Info("no update available",
				zap.Stringer("image", img),
				zap.Stringer("update_type", updateType))
			return nil, nil
		}
	}

	p.annotateSize(ctx, winners, installedIndex, estimator)

	return update.NewPath(img.Release, replacementEOLVariant, winners), nil
}

// gatherCandidates collects the candidates of the requested branch plus
// every branch the stability map designates as more stable, ascending.
// Snapshot images from the extra branches are excluded: snapshot ordering
// cannot be trusted across branches.
func (p *Pool) gatherCandidates(img image.Image, requestedBranch string) (all, same []update.Candidate) {
	same = p.Candidates(img.Product, img.Arch, img.Release, img.Variant, requestedBranch)

	all = append(all, same...)
	for _, branch := range p.cfg.MoreStable(requestedBranch) {
		for _, c := range p.Candidates(img.Product, img.Arch, img.Release, img.Variant, branch) {
			if c.Image.Version.IsSnapshot() {
				continue
			}
			all = append(all, c)
		}
	}
	sort.SliceStable(all, func(a, b int) bool {
		return all[a].Image.Less(all[b].Image)
	})

	return all, same
}

// shouldForce decides whether a standard query that found nothing should
// escalate to a forced downgrade or branch switch.
//
// Forcing is the safety valve against stranded devices: an image marked
// for removal must always move, and a device asking for a branch it
// cannot be ordered against must make forward progress rather than stay
// wedged on an answerless channel.
func (p *Pool) shouldForce(img image.Image, requestedBranch string) bool {
	if p.isMarkedForRemoval(img) {
		return true
	}
	if requestedBranch == img.Branch {
		return false
	}
	for _, b := range p.cfg.MoreStable(img.Branch) {
		if b == requestedBranch {
			// The device moves toward a more stable branch; its newest
			// image may well be older than what the device runs.
			return true
		}
	}
	if !p.cfg.BranchOrderingKnown(img.Branch, requestedBranch) {
		// Ambiguous ordering: force, to guarantee forward progress.
		return true
	}
	// Snapshot orderings across branches are unreliable.
	return img.Version.IsSnapshot()
}

// InstalledIndex returns the content-index locator of the pool's record
// for this exact image, or "" when unknown. It is the seed for size
// estimation.
func (p *Pool) InstalledIndex(img image.Image) string {
	locator := p.BundleLocator(img)
	if locator == "" {
		return ""
	}
	return strings.TrimSuffix(locator, manifest.BundleExt) + manifest.IndexExt
}

// annotateSize estimates the download size of the first hop. Estimation is
// best-effort: a failed or disabled estimation leaves the size at zero and
// never degrades the query itself.
func (p *Pool) annotateSize(ctx context.Context, winners []update.Candidate,
	installedIndex string, estimator Estimator) {

	if estimator == nil || len(winners) == 0 || winners[0].UpdatePath == "" {
		return
	}
	// The content index sits next to the bundle, same base name.
	targetIndex := strings.TrimSuffix(winners[0].UpdatePath, manifest.BundleExt) + manifest.IndexExt
	winners[0].Image.EstimatedSize = estimator.Estimate(ctx, installedIndex, targetIndex)
}

// getUpdateCandidates is the resolution primitive: given one namespace's
// candidates (plus any stability-fallback ones), ascending, it returns the
// winning sequence of candidates, every mandatory checkpoint hop plus the
// final target, or nothing.
func getUpdateCandidates(candidates []update.Candidate, img image.Image,
	updateType update.Type) []update.Candidate {

	// Find the newest and next-newest real images. Shadow checkpoints are
	// bookkeeping and skip-marked images must never be offered, so neither
	// can be a target.
	var newest, previous *update.Candidate
	for i := len(candidates) - 1; i >= 0; i-- {
		c := &candidates[i]
		if c.Image.ShadowCheckpoint || c.Image.Skip {
			continue
		}
		if newest == nil {
			newest = c
			continue
		}
		previous = c
		break
	}

	target := newest
	if updateType == update.TypeSecondLast {
		target = previous
	}
	if target == nil {
		return nil
	}

	// The source has already passed a checkpoint newer than the target
	// demands; offering the target would downgrade across a gate.
	if img.Checkpoint() > target.Image.RequiresCheckpoint {
		return nil
	}

	// Fallback kinds knowingly ignore the source's real identity, and
	// forced resolutions accept downgrades; everyone else only moves to
	// something strictly newer.
	if !updateType.IsFallback() && updateType != update.TypeForced {
		if img.Compare(target.Image) >= 0 {
			return nil
		}
	}

	// Walk the checkpoint chain up to the target. Shadow checkpoints
	// advance the gate counter but are never offered as installable hops;
	// skip-marked checkpoints are holes a canonical image is expected to
	// fill (validated at pool build).
	var winners []update.Candidate
	curr := img.Checkpoint()
	for _, c := range candidates {
		if !c.Image.Less(target.Image) {
			break
		}
		if c.Image.Variant != target.Image.Variant || c.Image.Branch != target.Image.Branch {
			continue
		}
		if c.Image.Skip || !c.Image.IsCheckpoint() {
			continue
		}
		if c.Image.RequiresCheckpoint != curr ||
			c.Image.RequiresCheckpoint > target.Image.RequiresCheckpoint {
			continue
		}
		if !c.Image.ShadowCheckpoint {
			winners = append(winners, c)
		}
		curr = c.Image.IntroducesCheckpoint
	}

	// Every gate between the source and the target must have been passed;
	// a hole means a required checkpoint is missing from the pool and the
	// update is impossible.
	if curr != target.Image.RequiresCheckpoint {
		return nil
	}

	included := false
	for _, w := range winners {
		if w.Image.Equal(target.Image) {
			included = true
			break
		}
	}
	if !included {
		winners = append(winners, *target)
	}

	if updateType.IsFallback() {
		return winners
	}

	// An image identical to the source reappearing in its own chain is a
	// cycle that cannot be resolved safely: the caller cannot distinguish
	// a stale re-request from a deliberate branch switch.
	for _, w := range winners {
		if w.Image.Equal(img) {
			return nil
		}
	}

	return winners
}
