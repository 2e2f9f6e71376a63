package generate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomupd/atomupd/internal/config"
	"github.com/atomupd/atomupd/internal/pool"
	"github.com/atomupd/atomupd/internal/testutil"
)

// singleBranchConfig narrows the fleet to the stable branch so the
// generated tree stays small enough to inspect file by file.
func singleBranchConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testutil.Config()
	cfg.Images.Branches = []string{"stable"}
	cfg.Stability = nil
	require.NoError(t, cfg.Validate())
	return cfg
}

func generateTree(t *testing.T, cfg *config.Config) string {
	t.Helper()
	p, err := pool.New(cfg, testutil.Entries(
		testutil.Img("3.5.0", "20230901"),
		testutil.Img("3.5.5", "20231001", testutil.Checkpoint(0, 1)),
		testutil.Img("3.6.0", "20231101", testutil.Requires(1)),
	), nil)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, New(cfg, out, nil, nil).Run(context.Background(), p))
	return out
}

func readTreeFile(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err, "expected update file %s", rel)
	return data
}

func TestRunWritesStandardFiles(t *testing.T) {
	out := generateTree(t, singleBranchConfig(t))
	g := goldie.New(t)

	// The oldest image gets the full checkpoint chain.
	g.Assert(t, "device_chain",
		readTreeFile(t, out, "steamos/amd64/3.5.0/steamdeck/stable/20230901.0.json"))

	// The checkpoint itself only needs the final hop.
	g.Assert(t, "device_past_checkpoint",
		readTreeFile(t, out, "steamos/amd64/3.5.5/steamdeck/stable/20231001.0.json"))

	// The newest image has nowhere to go.
	assert.Equal(t, "{}\n",
		string(readTreeFile(t, out, "steamos/amd64/3.6.0/steamdeck/stable/20231101.0.json")))
}

func TestRunWritesFallbackFiles(t *testing.T) {
	out := generateTree(t, singleBranchConfig(t))
	g := goldie.New(t)

	// One fallback pair per version directory; the unknown-build answer
	// walks the full chain, the second-last answer stops one image short.
	g.Assert(t, "fallback_unknown_build",
		readTreeFile(t, out, "steamos/amd64/3.5.0/steamdeck/stable.json"))
	g.Assert(t, "fallback_second_last",
		readTreeFile(t, out, "steamos/amd64/3.5.0/steamdeck/stable.second_last.json"))

	// Every version directory carries the same branch fallbacks.
	assert.Equal(t,
		readTreeFile(t, out, "steamos/amd64/3.5.0/steamdeck/stable.json"),
		readTreeFile(t, out, "steamos/amd64/3.6.0/steamdeck/stable.json"))
}

func TestRunRefusesConcurrentInstance(t *testing.T) {
	cfg := singleBranchConfig(t)
	p, err := pool.New(cfg, testutil.Entries(testutil.Img("3.6.0", "20231101")), nil)
	require.NoError(t, err)

	out := t.TempDir()
	lock := flock.New(filepath.Join(out, lockFileName))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = lock.Unlock() }()

	err = New(cfg, out, nil, nil).Run(context.Background(), p)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestRunIsRepeatable(t *testing.T) {
	cfg := singleBranchConfig(t)
	p, err := pool.New(cfg, testutil.Entries(
		testutil.Img("3.5.0", "20230901"),
		testutil.Img("3.6.0", "20231101"),
	), nil)
	require.NoError(t, err)

	gen := New(cfg, t.TempDir(), nil, nil)
	require.NoError(t, gen.Run(context.Background(), p))
	require.NoError(t, gen.Run(context.Background(), p), "a rerun regenerates in place")
}

func TestRunStrictEmptyBranchFails(t *testing.T) {
	cfg := testutil.Config()
	cfg.Images.Strict = true

	// Only a beta image exists; generating the stable fallback finds a
	// branch with no candidates at all.
	p, err := pool.New(cfg, testutil.Entries(
		testutil.Img("3.6.0", "20231101", testutil.OnBranch("beta")),
	), nil)
	require.NoError(t, err)

	err = New(cfg, t.TempDir(), nil, nil).Run(context.Background(), p)
	require.Error(t, err)
	assert.True(t, pool.IsEmptyBranchError(err))
}

func TestFallbackSource(t *testing.T) {
	img := testutil.Img("3.6.0", "20231101",
		testutil.Checkpoint(1, 2), testutil.Skipped())

	source := fallbackSource(img)
	assert.Equal(t, "19000101.0", source.BuildID.String())
	assert.Zero(t, source.Checkpoint())
	assert.False(t, source.Skip)
	assert.Equal(t, img.Variant, source.Variant)
	assert.Equal(t, img.Version, source.Version)
}
