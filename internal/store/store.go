// Package store holds verified checkpoints on behalf of the archive reader.
// Only values that passed chain and digest verification are inserted.
package store

import (
	"context"
	"errors"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
)

// ErrStore wraps I/O failures of a checkpoint store backend.
var ErrStore = errors.New("checkpoint store error")

// Store is the local sink the reader writes verified checkpoints into.
// Implementations are safe for concurrent use; the reader serializes inserts
// on the chain order itself.
type Store interface {
	// GetCheckpointBySequenceNumber returns the verified summary for seq, or
	// nil when absent.
	GetCheckpointBySequenceNumber(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedCheckpoint, error)

	// InsertCheckpoint stores a verified summary. Re-inserting an existing
	// sequence number is a no-op.
	InsertCheckpoint(ctx context.Context, cp *checkpoint.VerifiedCheckpoint) error

	// InsertCheckpointContents stores verified contents under their summary.
	// Re-inserting identical contents is a no-op.
	InsertCheckpointContents(ctx context.Context, cp *checkpoint.VerifiedCheckpoint, contents checkpoint.VerifiedContents) error

	// GetCheckpointContents returns the verified contents for seq, or nil
	// when absent.
	GetCheckpointContents(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedContents, error)
}
