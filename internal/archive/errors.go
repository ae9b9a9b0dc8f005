package archive

import "errors"

var (
	// ErrNotReady is returned while the manifest slot has not been populated
	// by the sync loop yet.
	ErrNotReady = errors.New("archive has no data")

	// ErrOutOfRange is returned when a requested range starts past the
	// latest checkpoint the manifest knows about.
	ErrOutOfRange = errors.New("requested range exceeds latest available checkpoint")

	// ErrManifestInvariant is returned when the manifest's file list is
	// malformed: mismatched summary/contents counts, non-contiguous ranges
	// or a gap at genesis.
	ErrManifestInvariant = errors.New("archive manifest invariant violated")

	// ErrBadMagic is returned when a checkpoint file does not start with the
	// magic constant for its file type.
	ErrBadMagic = errors.New("unexpected magic in checkpoint file")

	// ErrMalformed is returned for framing corruption inside a checkpoint
	// file: zero-length frames or truncation mid-frame.
	ErrMalformed = errors.New("malformed checkpoint file")

	// ErrFetchFailed is returned when a remote download exhausted its retry
	// budget.
	ErrFetchFailed = errors.New("failed to fetch archive file")

	// ErrMissingPredecessor is returned when chain verification cannot find
	// the previous checkpoint in the local store.
	ErrMissingPredecessor = errors.New("missing previous checkpoint in store")
)
