package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
	"github.com/kenneth/checkpoint-archive/internal/objectstore"
)

// ManifestKey is the object key of the rolling manifest in both the remote
// bucket and the local write-through cache.
const ManifestKey = "MANIFEST"

// manifestVersion is the supported on-store manifest layout version.
const manifestVersion = 1

// FileType distinguishes the two halves of a checkpoint file pair.
type FileType string

const (
	// FileTypeSummary files hold certified checkpoint summaries.
	FileTypeSummary FileType = "checkpoint_summary"
	// FileTypeContents files hold checkpoint contents.
	FileTypeContents FileType = "checkpoint_contents"
)

// Compression names the codec applied over a whole checkpoint file body.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// SequenceRange is a half-open range [Start, End) of checkpoint sequence
// numbers.
type SequenceRange struct {
	Start checkpoint.SequenceNumber `json:"start"`
	End   checkpoint.SequenceNumber `json:"end"`
}

// Contains reports whether seq falls inside the range.
func (r SequenceRange) Contains(seq checkpoint.SequenceNumber) bool {
	return seq >= r.Start && seq < r.End
}

// Len returns the number of checkpoints the range spans.
func (r SequenceRange) Len() uint64 {
	return r.End - r.Start
}

// FileMetadata describes one archived checkpoint file.
type FileMetadata struct {
	FileType    FileType      `json:"file_type"`
	EpochNum    uint64        `json:"epoch_num"`
	Compression Compression   `json:"file_compression"`
	Range       SequenceRange `json:"checkpoint_seq_range"`
}

// Basename returns the file's name inside its epoch directory: the range
// start with a per-type extension.
func (m FileMetadata) Basename() string {
	if m.FileType == FileTypeSummary {
		return fmt.Sprintf("%d.sum", m.Range.Start)
	}
	return fmt.Sprintf("%d.chk", m.Range.Start)
}

// Key returns the object key of the file: epoch_<N>/<basename>.
func (m FileMetadata) Key() string {
	return fmt.Sprintf("epoch_%d/%s", m.EpochNum, m.Basename())
}

// Manifest indexes the files of the archive and the next sequence number the
// writer will append. The file list only ever grows; refreshes append.
type Manifest struct {
	NextCheckpointSeqNum checkpoint.SequenceNumber `json:"next_checkpoint_seq_num"`
	NextEpoch            uint64                    `json:"next_epoch"`
	Files                []FileMetadata            `json:"files"`
}

// NewManifest creates an empty manifest positioned at the given sequence
// number and epoch.
func NewManifest(nextSeq checkpoint.SequenceNumber, nextEpoch uint64) *Manifest {
	return &Manifest{NextCheckpointSeqNum: nextSeq, NextEpoch: nextEpoch}
}

// Clone returns a deep copy for snapshot reads.
func (m *Manifest) Clone() *Manifest {
	files := make([]FileMetadata, len(m.Files))
	copy(files, m.Files)
	return &Manifest{
		NextCheckpointSeqNum: m.NextCheckpointSeqNum,
		NextEpoch:            m.NextEpoch,
		Files:                files,
	}
}

// FilePair is a summary file and the contents file covering the same
// checkpoint range.
type FilePair struct {
	Summary  FileMetadata
	Contents FileMetadata
}

// Range returns the checkpoint range both halves cover.
func (p FilePair) Range() SequenceRange {
	return p.Summary.Range
}

// Pairs partitions the manifest's files by type, validates the archive
// invariants and zips the two sequences into range-aligned pairs ordered by
// range start. Violations return ErrManifestInvariant.
func (m *Manifest) Pairs() ([]FilePair, error) {
	var summaries, contents []FileMetadata
	for _, f := range m.Files {
		switch f.FileType {
		case FileTypeSummary:
			summaries = append(summaries, f)
		case FileTypeContents:
			contents = append(contents, f)
		default:
			return nil, fmt.Errorf("%w: unknown file type %q", ErrManifestInvariant, f.FileType)
		}
	}

	if len(summaries) != len(contents) {
		return nil, fmt.Errorf("%w: %d summary files vs %d contents files",
			ErrManifestInvariant, len(summaries), len(contents))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Range.Start < summaries[j].Range.Start
	})
	sort.Slice(contents, func(i, j int) bool {
		return contents[i].Range.Start < contents[j].Range.Start
	})

	for i := 1; i < len(summaries); i++ {
		if summaries[i].Range.Start != summaries[i-1].Range.End {
			return nil, fmt.Errorf("%w: summary files not contiguous at %d",
				ErrManifestInvariant, summaries[i].Range.Start)
		}
		if contents[i].Range.Start != contents[i-1].Range.End {
			return nil, fmt.Errorf("%w: contents files not contiguous at %d",
				ErrManifestInvariant, contents[i].Range.Start)
		}
	}

	pairs := make([]FilePair, len(summaries))
	for i := range summaries {
		if summaries[i].Range != contents[i].Range {
			return nil, fmt.Errorf("%w: summary range [%d,%d) != contents range [%d,%d)",
				ErrManifestInvariant,
				summaries[i].Range.Start, summaries[i].Range.End,
				contents[i].Range.Start, contents[i].Range.End)
		}
		pairs[i] = FilePair{Summary: summaries[i], Contents: contents[i]}
	}

	if len(pairs) > 0 && pairs[0].Range().Start != 0 {
		return nil, fmt.Errorf("%w: archive does not begin at genesis, first range starts at %d",
			ErrManifestInvariant, pairs[0].Range().Start)
	}

	return pairs, nil
}

// manifestDocument is the versioned on-store layout.
type manifestDocument struct {
	Version  int      `json:"version"`
	Manifest Manifest `json:"manifest"`
}

// ReadManifest downloads the remote manifest, writes it through to the local
// store, and decodes it.
func ReadManifest(ctx context.Context, localStore, remoteStore objectstore.Store) (*Manifest, error) {
	data, err := remoteStore.Get(ctx, ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	if err := localStore.Put(ctx, ManifestKey, data); err != nil {
		return nil, fmt.Errorf("failed to cache manifest locally: %w", err)
	}

	return decodeManifest(data)
}

// WriteManifest encodes and uploads a manifest. The archive writer and the
// test harness use it; the reader never does.
func WriteManifest(ctx context.Context, store objectstore.Store, m *Manifest) error {
	doc := manifestDocument{Version: manifestVersion, Manifest: *m}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := store.Put(ctx, ManifestKey, data); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var doc manifestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if doc.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", doc.Version)
	}
	return &doc.Manifest, nil
}
