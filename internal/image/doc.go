// Package image provides the version primitives and the image model used
// by the whole update service.
//
// This package contains value types only: BuildID, Version and Image are
// immutable once constructed, and every other internal package imports
// image while image imports nothing internal. This keeps the ordering
// semantics in one foundational layer with no circular dependencies.
//
// Ordering is the load-bearing part. Image comparison is total: it never
// fails, whatever mix of versioned and snapshot images is involved. A wrong
// or partial ordering here either bricks a device's update path or loops a
// fleet forever, so any change to the comparison rules must keep the
// totality property intact (see TestImageOrderingTotality).
package image
