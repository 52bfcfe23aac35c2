// Package dberrors collects the sentinel errors the engine and its
// components return across public API boundaries.
package dberrors

import "errors"

var (
	ErrKeyEmpty   = errors.New("lsmtree: key must not be empty")
	ErrClosed     = errors.New("lsmtree: engine is closed")
	ErrNotFound   = errors.New("lsmtree: key not found")
	ErrCorrupt    = errors.New("lsmtree: corrupt on-disk record")
	ErrDirOpen    = errors.New("lsmtree: could not open database directory")
	ErrCompaction = errors.New("lsmtree: compaction already running")
)
