package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `server:
  host: 127.0.0.1
  port: 8000
images:
  pool_dir: /srv/images
  unstable: true
  products: [steamos]
  releases: [clockwerk, holo]
  variants: [steamdeck, vanilla]
  branches: [stable, rc, beta]
  archs: [amd64]
stability:
  beta: [rc, stable]
  rc: [stable]
variants_eol:
  vanilla: steamdeck
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/images", cfg.Images.PoolDir)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Images.Unstable)
	assert.Equal(t, []string{"clockwerk", "holo"}, cfg.Images.Releases)
	assert.Equal(t, "steamdeck", cfg.VariantsEOL["vanilla"])
	assert.Equal(t, DefaultEstimateTimeout, cfg.Images.EstimateTimeout,
		"estimate_timeout defaults when unset")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"surprise: true\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Images: ImagesConfig{
				PoolDir:  "/srv/images",
				Products: []string{"steamos"},
				Releases: []string{"clockwerk", "holo"},
				Variants: []string{"steamdeck", "vanilla"},
				Branches: []string{"stable", "rc", "beta"},
				Archs:    []string{"amd64"},
			},
			Stability:   map[string][]string{"beta": {"rc", "stable"}},
			VariantsEOL: map[string]string{"vanilla": "steamdeck"},
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			"missing_pool_dir",
			func(c *Config) { c.Images.PoolDir = "" },
			"pool_dir",
		},
		{
			"empty_products",
			func(c *Config) { c.Images.Products = nil },
			"images.products",
		},
		{
			"unsorted_releases",
			func(c *Config) { c.Images.Releases = []string{"holo", "clockwerk"} },
			"sorted",
		},
		{
			"stability_unknown_branch",
			func(c *Config) { c.Stability["nightly"] = []string{"stable"} },
			"unknown branch",
		},
		{
			"stability_unknown_target",
			func(c *Config) { c.Stability["beta"] = []string{"nightly"} },
			"unknown branch",
		},
		{
			"stability_self_reference",
			func(c *Config) { c.Stability["beta"] = []string{"beta"} },
			"itself",
		},
		{
			"eol_unknown_replacement",
			func(c *Config) { c.VariantsEOL["vanilla"] = "galileo" },
			"not a supported variant",
		},
		{
			"eol_self_replacement",
			func(c *Config) {
				c.Images.Variants = append(c.Images.Variants, "vanilla")
				c.VariantsEOL["vanilla"] = "vanilla"
			},
			"itself",
		},
		{
			"eol_chain",
			func(c *Config) {
				c.VariantsEOL["steamdeck"] = "vanilla"
			},
			"end-of-life",
		},
		{
			"negative_timeout",
			func(c *Config) { c.Images.EstimateTimeout = -time.Second },
			"negative",
		},
		{
			"port_out_of_range",
			func(c *Config) { c.Server.Port = 70000 },
			"out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMoreStable(t *testing.T) {
	cfg := &Config{Stability: map[string][]string{"beta": {"rc", "stable"}}}

	assert.Equal(t, []string{"rc", "stable"}, cfg.MoreStable("beta"))
	assert.Empty(t, cfg.MoreStable("stable"))
}

func TestBranchOrderingKnown(t *testing.T) {
	cfg := &Config{Stability: map[string][]string{"beta": {"rc", "stable"}}}

	assert.True(t, cfg.BranchOrderingKnown("beta", "stable"))
	assert.True(t, cfg.BranchOrderingKnown("stable", "beta"), "the relation reads both ways")
	assert.False(t, cfg.BranchOrderingKnown("rc", "stable"))
}

func TestSupportsBranch(t *testing.T) {
	cfg := &Config{Images: ImagesConfig{Branches: []string{"stable", "beta"}}}

	assert.True(t, cfg.SupportsBranch("stable"))
	assert.False(t, cfg.SupportsBranch("nightly"))
}
