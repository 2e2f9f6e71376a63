// Package config loads and validates the service configuration.
//
// The configuration is one YAML file parsed into explicit typed structs.
// Validation is a single pass that fails loudly before any pool is built:
// a structurally invalid configuration never reaches the resolution engine.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Images ImagesConfig `yaml:"images"`

	// Stability maps a branch to the branches considered more stable than
	// it, most stable last. A device on branch B may be offered images from
	// any branch in Stability[B]. The relation is not necessarily total:
	// two branches with no entry relating them have no known ordering.
	Stability map[string][]string `yaml:"stability"`

	// VariantsEOL maps an end-of-life variant to its replacement. Devices
	// on an end-of-life variant are always redirected, even when nominally
	// up to date.
	VariantsEOL map[string]string `yaml:"variants_eol"`
}

// ServerConfig configures the live query server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ImagesConfig describes the image pool and its support matrix.
type ImagesConfig struct {
	// PoolDir is the root of the published image tree.
	PoolDir string `yaml:"pool_dir"`

	// Unstable admits snapshot and pre-release images into the pool.
	Unstable bool `yaml:"unstable"`

	// Strict makes a branch with no candidates at all a fatal condition
	// when generating fallback files, instead of "no update".
	Strict bool `yaml:"strict"`

	Products []string `yaml:"products"`

	// Releases must be listed in alphabetical order: release names double
	// as an ordering key when comparing images, so an unsorted list is a
	// configuration mistake, not something to fix up silently.
	Releases []string `yaml:"releases"`

	Variants []string `yaml:"variants"`
	Branches []string `yaml:"branches"`
	Archs    []string `yaml:"archs"`

	// EstimateTimeout bounds one download-size estimation subprocess.
	EstimateTimeout time.Duration `yaml:"estimate_timeout"`
}

// DefaultEstimateTimeout applies when estimate_timeout is unset.
const DefaultEstimateTimeout = 30 * time.Second

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the whole document in one pass and reports the first
// problem found.
func (c *Config) Validate() error {
	if c.Images.PoolDir == "" {
		return fmt.Errorf("images.pool_dir is required")
	}
	for _, field := range []struct {
		name   string
		values []string
	}{
		{"images.products", c.Images.Products},
		{"images.releases", c.Images.Releases},
		{"images.variants", c.Images.Variants},
		{"images.branches", c.Images.Branches},
		{"images.archs", c.Images.Archs},
	} {
		if len(field.values) == 0 {
			return fmt.Errorf("%s must list at least one entry", field.name)
		}
		for _, v := range field.values {
			if v == "" {
				return fmt.Errorf("%s contains an empty entry", field.name)
			}
		}
	}

	if !sort.StringsAreSorted(c.Images.Releases) {
		return fmt.Errorf("images.releases must be sorted alphabetically: %v", c.Images.Releases)
	}

	branches := make(map[string]bool, len(c.Images.Branches))
	for _, b := range c.Images.Branches {
		branches[b] = true
	}
	for branch, moreStable := range c.Stability {
		if !branches[branch] {
			return fmt.Errorf("stability refers to unknown branch %q", branch)
		}
		for _, b := range moreStable {
			if !branches[b] {
				return fmt.Errorf("stability[%s] refers to unknown branch %q", branch, b)
			}
			if b == branch {
				return fmt.Errorf("stability[%s] lists the branch itself", branch)
			}
		}
	}

	variants := make(map[string]bool, len(c.Images.Variants))
	for _, v := range c.Images.Variants {
		variants[v] = true
	}
	for eol, replacement := range c.VariantsEOL {
		if replacement == "" {
			return fmt.Errorf("variants_eol[%s] has no replacement", eol)
		}
		if !variants[replacement] {
			return fmt.Errorf("variants_eol[%s] replacement %q is not a supported variant", eol, replacement)
		}
		if replacement == eol {
			return fmt.Errorf("variants_eol[%s] replaces the variant with itself", eol)
		}
		if other, chained := c.VariantsEOL[replacement]; chained {
			return fmt.Errorf("variants_eol[%s] points at %q which is itself end-of-life (-> %q)",
				eol, replacement, other)
		}
	}

	if c.Images.EstimateTimeout < 0 {
		return fmt.Errorf("images.estimate_timeout must not be negative")
	}
	if c.Images.EstimateTimeout == 0 {
		c.Images.EstimateTimeout = DefaultEstimateTimeout
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	return nil
}

// MoreStable returns the branches considered more stable than the given
// one, in configuration order. The result may be empty.
func (c *Config) MoreStable(branch string) []string {
	return c.Stability[branch]
}

// BranchOrderingKnown reports whether the stability relation says anything
// about the pair: either branch listed as more stable than the other. An
// unknown ordering is the signal for the resolution engine to force an
// update rather than strand a device.
func (c *Config) BranchOrderingKnown(a, b string) bool {
	for _, s := range c.Stability[a] {
		if s == b {
			return true
		}
	}
	for _, s := range c.Stability[b] {
		if s == a {
			return true
		}
	}
	return false
}

// SupportsBranch reports whether a branch is part of the support matrix.
func (c *Config) SupportsBranch(branch string) bool {
	for _, b := range c.Images.Branches {
		if b == branch {
			return true
		}
	}
	return false
}
