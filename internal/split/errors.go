package split

import "errors"

var (
	ErrInvalidSizeFormat = errors.New("split: invalid size format")
	ErrInvalidSizeValue  = errors.New("split: invalid size value")

	// ErrInvalidPhase means a write method was called out of sequence. The
	// output set is incomplete and must be discarded.
	ErrInvalidPhase = errors.New("split: invalid write phase")

	ErrNotFinalized = errors.New("split: writer not finalized")
	ErrFinalized    = errors.New("split: writer already finalized")
	ErrDryRun       = errors.New("split: dry run, nothing to write")
)
