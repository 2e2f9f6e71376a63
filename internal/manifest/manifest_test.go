package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/image"
)

var testBranches = []string{"stable", "rc", "beta"}

// writeImage drops a manifest under dir along with its bundle and index
// siblings, mimicking the layout the publishing pipeline produces.
func writeImage(t *testing.T, dir, name, manifest string, withArtifacts bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+ManifestExt), []byte(manifest), 0o644))
	if withArtifacts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+BundleExt), []byte("bundle"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+IndexExt), []byte("index"), 0o644))
	}
}

func manifestJSON(version, buildID, branch string, extra string) string {
	branchField := ""
	if branch != "" {
		branchField = fmt.Sprintf(`"branch": %q,`, branch)
	}
	return fmt.Sprintf(`{
		"product": "steamos", "release": "holo", "variant": "steamdeck",
		%s "arch": "amd64", "version": %q, "buildid": %q%s
	}`, branchField, version, buildID, extra)
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "steamdeck", "20231001"), "steamdeck-3.5.7",
		manifestJSON("3.5.7", "20231001", "stable", ""), true)
	writeImage(t, filepath.Join(root, "steamdeck", "20231101"), "steamdeck-3.6.0",
		manifestJSON("3.6.0", "20231101", "beta", ""), true)

	store := NewStore(root, testBranches, zap.NewNop())
	entries, err := store.Walk()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// WalkDir is lexical, so 20231001 sorts first.
	assert.Equal(t, "3.5.7", entries[0].Image.Version.String())
	assert.Equal(t, filepath.Join("steamdeck", "20231001", "steamdeck-3.5.7.raucb"), entries[0].UpdatePath)
	assert.Equal(t, filepath.Join("steamdeck", "20231001", "steamdeck-3.5.7.caibx"), entries[0].IndexPath)
	assert.Equal(t, "3.6.0", entries[1].Image.Version.String())
}

func TestWalkMissingBundleIsFatal(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "steamdeck"), "img",
		manifestJSON("3.5.7", "20231001", "stable", ""), false)

	_, err := NewStore(root, testBranches, nil).Walk()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing bundle")
}

func TestWalkSkipAndShadowNeedNoArtifacts(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a"), "skipped",
		manifestJSON("3.5.7", "20231001", "stable", `, "skip": true`), false)
	writeImage(t, filepath.Join(root, "b"), "shadow",
		manifestJSON("3.6.0", "20231101", "stable", `, "introduces_checkpoint": 1, "shadow_checkpoint": true`), false)

	entries, err := NewStore(root, testBranches, nil).Walk()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Empty(t, e.UpdatePath, "%s stays uninstallable", e.Image)
		assert.Empty(t, e.IndexPath)
	}
}

func TestWalkMalformedManifestIsFatal(t *testing.T) {
	root := t.TempDir()
	writeImage(t, root, "broken", `{"product": }`, true)

	_, err := NewStore(root, testBranches, nil).Walk()
	assert.Error(t, err)
}

func TestWalkInvalidImageIsFatal(t *testing.T) {
	root := t.TempDir()
	writeImage(t, root, "img",
		manifestJSON("3.5.7", "20231001", "stable", `, "shadow_checkpoint": true`), true)

	_, err := NewStore(root, testBranches, nil).Walk()
	assert.Error(t, err, "a shadow without an introduced checkpoint is rejected")
}

func TestWalkPrunesChunkStores(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "img.castr"), "hidden",
		manifestJSON("3.5.7", "20231001", "stable", ""), true)

	entries, err := NewStore(root, testBranches, nil).Walk()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWalkRejectsMissingDir(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "nope"), testBranches, nil).Walk()
	assert.Error(t, err)
}

func imageWith(t *testing.T, variant, branch string) image.Image {
	t.Helper()
	buildID, err := image.ParseBuildID("20231001")
	require.NoError(t, err)
	return image.Image{
		Product: "steamos",
		Release: "holo",
		Variant: variant,
		Branch:  branch,
		Arch:    "amd64",
		Version: image.MustParseVersion("3.5.7"),
		BuildID: buildID,
	}
}

func TestTranslateLegacyVariant(t *testing.T) {
	store := NewStore(t.TempDir(), testBranches, nil)

	tests := []struct {
		name        string
		variant     string
		branch      string
		wantVariant string
		wantBranch  string
	}{
		{"modern_manifest", "steamdeck", "beta", "steamdeck", "beta"},
		{"legacy_branch_suffix", "steamdeck-beta", "", "steamdeck", "beta"},
		{"legacy_unknown_suffix", "steamdeck-oled", "", "steamdeck-oled", "stable"},
		{"legacy_no_suffix", "steamdeck", "", "steamdeck", "stable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := store.translateLegacyVariant(imageWith(t, tt.variant, tt.branch))
			assert.Equal(t, tt.wantVariant, img.Variant)
			assert.Equal(t, tt.wantBranch, img.Branch)
		})
	}
}
