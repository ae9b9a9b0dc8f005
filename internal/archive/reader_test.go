package archive

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/checkpoint-archive/internal/audit"
	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
	"github.com/kenneth/checkpoint-archive/internal/objectstore"
	"github.com/kenneth/checkpoint-archive/internal/store"
)

// discardWriter keeps audit events out of test output.
type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.Event) error { return nil }

func twoFileArchive(t *testing.T) (*objectstore.MemoryStore, []checkpoint.CertifiedSummary, []checkpoint.Contents) {
	t.Helper()
	remote := objectstore.NewMemoryStore()
	summaries, contents := writeArchive(t, remote, CompressionNone, []SequenceRange{
		{Start: 0, End: 2},
		{Start: 2, End: 4},
	})
	return remote, summaries, contents
}

func refreshed(t *testing.T, r *Reader) {
	t.Helper()
	require.NoError(t, r.RefreshManifest(context.Background()))
}

// assertStored checks that the sink holds the verified summary and matching
// contents for every sequence number in [start, end).
func assertStored(t *testing.T, sink *store.MemoryStore, summaries []checkpoint.CertifiedSummary, start, end uint64) {
	t.Helper()
	ctx := context.Background()
	for seq := start; seq < end; seq++ {
		cp, err := sink.GetCheckpointBySequenceNumber(ctx, seq)
		require.NoError(t, err)
		require.NotNil(t, cp, "summary %d missing", seq)
		assert.Equal(t, summaries[seq].Summary.Digest(), cp.Digest(), "summary %d digest", seq)

		contents, err := sink.GetCheckpointContents(ctx, seq)
		require.NoError(t, err)
		require.NotNil(t, contents, "contents %d missing", seq)
		assert.Equal(t, cp.ContentDigest(), contents.Digest(), "contents %d digest", seq)
	}
}

func TestReadFullRange(t *testing.T) {
	remote, summaries, _ := twoFileArchive(t)
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 0, 4))

	assert.Equal(t, 4, sink.SummaryCount())
	assertStored(t, sink, summaries, 0, 4)

	latest, err := r.LatestAvailableCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)
}

func TestReadZstdArchive(t *testing.T) {
	remote := objectstore.NewMemoryStore()
	summaries, _ := writeArchive(t, remote, CompressionZstd, []SequenceRange{
		{Start: 0, End: 3},
		{Start: 3, End: 5},
	})
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 0, 5))
	assertStored(t, sink, summaries, 0, 5)
}

func TestReadMissingPredecessor(t *testing.T) {
	remote, _, _ := twoFileArchive(t)

	auditLog := audit.NewLogger(100, discardWriter{})
	r, err := NewWithStores(remote, objectstore.NewMemoryStore(), 2, time.Hour, Options{
		Logger:       quietLogger(),
		FetchBackoff: fastBackoff,
		Audit:        auditLog,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	err = r.Read(context.Background(), sink, 1, 3)
	assert.ErrorIs(t, err, ErrMissingPredecessor)
	assert.Equal(t, 0, sink.SummaryCount())

	// The window spans both endpoints, so both file pairs were planned; the
	// first pair's fetches must have happened before verification failed.
	var fetches int
	for _, event := range auditLog.GetEvents() {
		if event.EventType == audit.EventTypeFetch {
			fetches++
		}
	}
	assert.GreaterOrEqual(t, fetches, 2)
}

func TestReadIdempotent(t *testing.T) {
	remote, summaries, _ := twoFileArchive(t)
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 0, 4))
	require.NoError(t, r.Read(context.Background(), sink, 0, 4))
	assert.Equal(t, 4, sink.SummaryCount())
	assertStored(t, sink, summaries, 0, 4)

	// A sub-range of an ingested prefix succeeds without the genesis
	// special case re-running.
	require.NoError(t, r.Read(context.Background(), sink, 1, 3))
	assert.Equal(t, 4, sink.SummaryCount())
}

func TestReadDigestMismatch(t *testing.T) {
	remote, summaries, contents := twoFileArchive(t)

	// Re-encode the second contents file with a tampered payload for seq 2.
	tampered := contents[2]
	tampered.Transactions = append(tampered.Transactions, checkpoint.ExecutionDigests{})
	corrupt := encodeContentsFile(t, CompressionNone, []checkpoint.Contents{tampered, contents[3]})
	meta := FileMetadata{
		FileType:    FileTypeContents,
		EpochNum:    1,
		Compression: CompressionNone,
		Range:       SequenceRange{Start: 2, End: 4},
	}
	require.NoError(t, remote.Put(context.Background(), meta.Key(), corrupt))

	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 1)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	err := r.Read(context.Background(), sink, 0, 4)
	assert.ErrorIs(t, err, checkpoint.ErrDigestMismatch)

	// The prefix stays: 0 and 1 complete, 2 has a verified summary but no
	// contents.
	assertStored(t, sink, summaries, 0, 2)
	cp, gerr := sink.GetCheckpointBySequenceNumber(context.Background(), 2)
	require.NoError(t, gerr)
	require.NotNil(t, cp)
	storedContents, gerr := sink.GetCheckpointContents(context.Background(), 2)
	require.NoError(t, gerr)
	assert.Nil(t, storedContents)
}

func TestReadMalformedSummaryFile(t *testing.T) {
	remote, _, _ := twoFileArchive(t)

	// Truncate the first summary file mid-frame, past the magic.
	meta := FileMetadata{
		FileType:    FileTypeSummary,
		EpochNum:    0,
		Compression: CompressionNone,
		Range:       SequenceRange{Start: 0, End: 2},
	}
	full, err := remote.Get(context.Background(), meta.Key())
	require.NoError(t, err)
	require.NoError(t, remote.Put(context.Background(), meta.Key(), full[:len(full)-len(full)/2]))

	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 1)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	err = r.Read(context.Background(), sink, 0, 4)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 0, sink.SummaryCount())
}

func TestReadRetriesTransientRemoteFailures(t *testing.T) {
	remote, summaries, _ := twoFileArchive(t)

	var failures atomic.Int32
	remote.GetHook = func(key string) error {
		if strings.HasSuffix(key, "0.chk") && failures.Add(1) <= 3 {
			return errors.New("remote returned 500")
		}
		return nil
	}

	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 0, 4))
	assertStored(t, sink, summaries, 0, 4)
	assert.GreaterOrEqual(t, failures.Load(), int32(3))
}

func TestReadEmptyRange(t *testing.T) {
	remote, _, _ := twoFileArchive(t)

	var gets atomic.Int32
	remote.GetHook = func(key string) error {
		if key != ManifestKey {
			gets.Add(1)
		}
		return nil
	}

	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 2, 2))
	assert.Equal(t, 0, sink.SummaryCount())
	assert.Equal(t, int32(0), gets.Load())
}

func TestReadOutOfRange(t *testing.T) {
	remote, _, _ := twoFileArchive(t)
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	err := r.Read(context.Background(), store.NewMemoryStore(), 4, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReadNotReadyThenPopulated(t *testing.T) {
	remote := objectstore.NewMemoryStore()
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)

	sink := store.NewMemoryStore()
	err := r.Read(context.Background(), sink, 0, 4)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = r.LatestAvailableCheckpoint()
	assert.ErrorIs(t, err, ErrNotReady)

	// Populate the archive; the next manifest sync makes reads succeed.
	summaries, _ := writeArchive(t, remote, CompressionNone, []SequenceRange{
		{Start: 0, End: 2},
		{Start: 2, End: 4},
	})
	refreshed(t, r)

	require.NoError(t, r.Read(context.Background(), sink, 0, 4))
	assertStored(t, sink, summaries, 0, 4)
}

func TestReadFromLatestAvailable(t *testing.T) {
	remote, summaries, _ := twoFileArchive(t)
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	sink := store.NewMemoryStore()
	require.NoError(t, r.Read(context.Background(), sink, 0, 3))
	assert.Equal(t, 3, sink.SummaryCount())

	require.NoError(t, r.Read(context.Background(), sink, 3, 4))
	assert.Equal(t, 4, sink.SummaryCount())
	assertStored(t, sink, summaries, 0, 4)
}

func TestReadConcurrencyLevelsAgree(t *testing.T) {
	remote := objectstore.NewMemoryStore()
	summaries, _ := writeArchive(t, remote, CompressionNone, []SequenceRange{
		{Start: 0, End: 2},
		{Start: 2, End: 4},
		{Start: 4, End: 6},
		{Start: 6, End: 8},
	})

	for _, concurrency := range []int{1, 16} {
		r := newTestReader(t, remote, objectstore.NewMemoryStore(), concurrency)
		refreshed(t, r)

		sink := store.NewMemoryStore()
		require.NoError(t, r.Read(context.Background(), sink, 0, 8))
		assert.Equal(t, 8, sink.SummaryCount())
		assertStored(t, sink, summaries, 0, 8)
	}
}

func TestRefreshRejectsRegressingManifest(t *testing.T) {
	remote, _, _ := twoFileArchive(t)
	r := newTestReader(t, remote, objectstore.NewMemoryStore(), 2)
	refreshed(t, r)

	// Overwrite the manifest with an older one.
	old := NewManifest(2, 1)
	old.Files = []FileMetadata{
		pairMeta(FileTypeSummary, 0, 0, 2),
		pairMeta(FileTypeContents, 0, 0, 2),
	}
	require.NoError(t, WriteManifest(context.Background(), remote, old))

	err := r.RefreshManifest(context.Background())
	assert.ErrorContains(t, err, "regressed")

	// The previous snapshot is kept.
	latest, err := r.LatestAvailableCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest)
}

func TestRejectsBadConcurrency(t *testing.T) {
	_, err := NewWithStores(objectstore.NewMemoryStore(), objectstore.NewMemoryStore(), 0, time.Hour, Options{})
	assert.Error(t, err)
}

func TestCloseJoinsSyncLoop(t *testing.T) {
	r, err := NewWithStores(objectstore.NewMemoryStore(), objectstore.NewMemoryStore(), 1, 10*time.Millisecond, Options{
		Logger:       quietLogger(),
		FetchBackoff: fastBackoff,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.Close()
	// Close is idempotent.
	r.Close()
}
