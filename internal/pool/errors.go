package pool

import (
	"errors"
	"fmt"
)

// IntegrityError reports a structurally invalid pool.
//
// Integrity errors are always fatal at construction time: the pool must
// never serve from an inconsistent state, so the build (or rebuild) is
// rejected as a whole and any previous good pool stays in place. They are
// kept strictly separate from "no update" results, which are ordinary nil
// returns from the resolution engine.
type IntegrityError struct {
	// Code identifies the error category.
	Code IntegrityErrorCode

	// Message is a human-readable description.
	Message string

	// Namespace is the affected (variant, branch) namespace, when the
	// error is scoped to one.
	Namespace string
}

// IntegrityErrorCode categorizes pool integrity errors.
type IntegrityErrorCode string

const (
	// ErrCodeDuplicateImage indicates two images share the same
	// (version, release, buildid) tuple anywhere in the pool.
	ErrCodeDuplicateImage IntegrityErrorCode = "DUPLICATE_IMAGE"

	// ErrCodeInvalidImage indicates an image violates its own invariants.
	ErrCodeInvalidImage IntegrityErrorCode = "INVALID_IMAGE"

	// ErrCodeCheckpointConflict indicates two canonical images introduce
	// the same checkpoint number in one namespace.
	ErrCodeCheckpointConflict IntegrityErrorCode = "CHECKPOINT_CONFLICT"

	// ErrCodeShadowConflict indicates two shadow images introduce the same
	// checkpoint number in one namespace.
	ErrCodeShadowConflict IntegrityErrorCode = "SHADOW_CONFLICT"

	// ErrCodeEmptyBranch indicates a fallback file was requested for a
	// branch with no candidates at all, under strict validation.
	ErrCodeEmptyBranch IntegrityErrorCode = "EMPTY_BRANCH"
)

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s: %s (namespace=%s)", e.Code, e.Message, e.Namespace)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsEmptyBranchError reports whether err is the strict-mode empty branch
// condition.
func IsEmptyBranchError(err error) bool {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Code == ErrCodeEmptyBranch
	}
	return false
}
