// Package estimate computes estimated update download sizes by asking
// desync how much of a target content index is not already covered by a
// seed index.
//
// Estimation is strictly best-effort. The subprocess is bounded by a
// timeout and every failure mode (missing binary, bad index, timeout,
// malformed output) degrades to "size unknown" (zero). An estimation
// problem must never abort the query it decorates.
package estimate

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Desync shells out to `desync info` against a local image tree.
type Desync struct {
	// PoolDir is the image tree root; index locators are relative to it.
	PoolDir string

	// Timeout bounds one estimation subprocess.
	Timeout time.Duration

	Logger *zap.Logger
}

// desyncInfo is the part of `desync info` JSON output we consume.
type desyncInfo struct {
	// DedupSizeNotInSeed is the number of bytes the device would actually
	// have to download.
	DedupSizeNotInSeed int64 `json:"dedup-size-not-in-seed"`
}

// Estimate returns the estimated download size in bytes for moving from
// seedIndex to targetIndex, or zero if the size cannot be determined. An
// empty seedIndex estimates a from-scratch download.
func (d *Desync) Estimate(ctx context.Context, seedIndex, targetIndex string) int64 {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if targetIndex == "" {
		return 0
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	args := []string{"info"}
	if seedIndex != "" {
		args = append(args, "--seed", filepath.Join(d.PoolDir, seedIndex))
	}
	args = append(args, filepath.Join(d.PoolDir, targetIndex))

	out, err := exec.CommandContext(ctx, "desync", args...).Output()
	if err != nil {
		logger.Warn("failed to gather information about the update",
			zap.String("target", targetIndex),
			zap.Error(err))
		return 0
	}

	size, err := parseInfo(out)
	if err != nil {
		logger.Warn("unreadable desync info output",
			zap.String("target", targetIndex),
			zap.Error(err))
		return 0
	}
	return size
}

// parseInfo extracts the download size from `desync info` JSON output.
func parseInfo(out []byte) (int64, error) {
	var info desyncInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, err
	}
	return info.DedupSizeNotInSeed, nil
}
